package config

// Default returns the baseline configuration. data.path has no default
// and must always be provided.
func Default() *Config {
	return &Config{
		Data: DataConfig{
			Format:        FormatJSONL,
			Glob:          "*.txt",
			IDColumn:      "id",
			TextColumn:    "text",
			ShuffleBuffer: 1024,
		},
		Tokenizer: TokenizerConfig{
			WordVocab: 30000,
			WrapSpans: true,
		},
		Spans: SpansConfig{
			PerDocument: 2,
			MinLength:   32,
			MaxLength:   64,
		},
		Model: ModelConfig{
			HiddenDim: 256,
			Seed:      42,
		},
		MLM: MLMConfig{
			Enabled:  false,
			MaskProb: 0.15,
			Weight:   1,
		},
		Loss: LossConfig{
			Temperature: 0.05,
		},
		Optimizer: OptimizerConfig{
			LearningRate: 5e-5,
			Beta1:        0.9,
			Beta2:        0.999,
			Epsilon:      1e-8,
			WeightDecay:  0.01,
			ClipNorm:     1,
		},
		Training: TrainingConfig{
			BatchSize: 16,
			DropLast:  true,
			Epochs:    3,
			Seed:      1234,
			Prefetch:  2,
		},
		Checkpoints: CheckpointsConfig{
			Dir:  "checkpoints",
			Keep: 3,
		},
	}
}
