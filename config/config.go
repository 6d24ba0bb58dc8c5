// Package config declares the run configuration: corpus location,
// tokenizer source, span sampling, model size, objectives, optimizer
// hyperparameters and checkpointing. Files are YAML, decoded strictly:
// an unknown key is an error, not a silent no-op.
package config

import (
	"bytes"
	"io"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Corpus formats accepted in data.format.
const (
	FormatJSONL   = "jsonl"
	FormatText    = "text"
	FormatParquet = "parquet"
)

// ValidFormats lists the accepted data.format values.
var ValidFormats = []string{FormatJSONL, FormatText, FormatParquet}

// Config holds one training or encoding run.
type Config struct {
	Data        DataConfig        `yaml:"data"`
	Tokenizer   TokenizerConfig   `yaml:"tokenizer"`
	Spans       SpansConfig       `yaml:"spans"`
	Model       ModelConfig       `yaml:"model"`
	MLM         MLMConfig         `yaml:"mlm"`
	Loss        LossConfig        `yaml:"loss"`
	Optimizer   OptimizerConfig   `yaml:"optimizer"`
	Training    TrainingConfig    `yaml:"training"`
	Checkpoints CheckpointsConfig `yaml:"checkpoints"`
}

// DataConfig locates and shapes the document stream.
type DataConfig struct {
	// Path is a file (jsonl, parquet) or a directory (text).
	Path   string `yaml:"path"`
	Format string `yaml:"format"`
	// Glob filters file names under Path in text mode.
	Glob string `yaml:"glob"`
	// IDColumn and TextColumn name the record fields holding the document
	// id and text, for the jsonl and parquet formats.
	IDColumn   string `yaml:"id_column"`
	TextColumn string `yaml:"text_column"`
	// ShuffleBuffer is the window size for document shuffling; zero reads
	// the corpus in order.
	ShuffleBuffer int `yaml:"shuffle_buffer"`
}

// TokenizerConfig selects the tokenizer. Repo (a Hugging Face repository)
// and Path (a local tokenizer.json or SentencePiece model) are mutually
// exclusive; with neither set, a word-level vocabulary of WordVocab
// entries is built from the corpus itself.
type TokenizerConfig struct {
	Repo      string `yaml:"repo"`
	Path      string `yaml:"path"`
	WordVocab int    `yaml:"word_vocab"`
	AuthToken string `yaml:"auth_token"`
	// WrapSpans surrounds each span with the tokenizer's sentence
	// delimiters before padding.
	WrapSpans bool `yaml:"wrap_spans"`
}

// SpansConfig controls span sampling.
type SpansConfig struct {
	// PerDocument is the number of spans drawn per document. At least two,
	// or no document could ever contribute a positive pair.
	PerDocument int `yaml:"per_document"`
	MinLength   int `yaml:"min_length"`
	MaxLength   int `yaml:"max_length"`
}

// ModelConfig sizes the encoder.
type ModelConfig struct {
	HiddenDim int   `yaml:"hidden_dim"`
	Seed      int64 `yaml:"seed"`
}

// MLMConfig controls the auxiliary masked-language objective.
type MLMConfig struct {
	Enabled  bool    `yaml:"enabled"`
	MaskProb float64 `yaml:"mask_prob"`
	Weight   float64 `yaml:"weight"`
}

// LossConfig parameterizes the contrastive objective.
type LossConfig struct {
	Temperature float64 `yaml:"temperature"`
}

// OptimizerConfig holds the AdamW hyperparameters.
type OptimizerConfig struct {
	LearningRate float64 `yaml:"learning_rate"`
	Beta1        float64 `yaml:"beta1"`
	Beta2        float64 `yaml:"beta2"`
	Epsilon      float64 `yaml:"epsilon"`
	WeightDecay  float64 `yaml:"weight_decay"`
	// ClipNorm bounds the global gradient norm; zero disables clipping.
	ClipNorm float64 `yaml:"clip_norm"`
}

// TrainingConfig shapes the loop.
type TrainingConfig struct {
	// BatchSize must be at least two so a batch can hold a positive pair.
	BatchSize int `yaml:"batch_size"`
	// DropLast discards a trailing partial batch; turning it off trades
	// uniform batch shapes for seeing every instance.
	DropLast bool  `yaml:"drop_last"`
	Epochs   int   `yaml:"epochs"`
	Seed     int64 `yaml:"seed"`
	Prefetch int   `yaml:"prefetch"`
	// Device selects the computation backend, e.g. "go" or "xla:cuda".
	// Empty picks the best one available.
	Device string `yaml:"device"`
}

// CheckpointsConfig controls snapshotting. An empty Dir disables it.
type CheckpointsConfig struct {
	Dir string `yaml:"dir"`
	// Keep bounds how many snapshots survive; -1 keeps all.
	Keep int `yaml:"keep"`
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config %s", path)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "config %s", path)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result. Keys
// absent from the file keep their default values.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, errors.Wrapf(ErrInvalid, "failed to parse: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every field against its constraints.
func (c *Config) Validate() error {
	if c.Data.Path == "" {
		return errors.Wrap(ErrInvalid, "data.path is required")
	}
	validFormat := false
	for _, f := range ValidFormats {
		if c.Data.Format == f {
			validFormat = true
			break
		}
	}
	if !validFormat {
		return errors.Wrapf(ErrInvalid, "data.format must be one of %v, got %q", ValidFormats, c.Data.Format)
	}
	if c.Data.ShuffleBuffer < 0 {
		return errors.Wrapf(ErrInvalid, "data.shuffle_buffer must not be negative, got %d", c.Data.ShuffleBuffer)
	}

	if c.Tokenizer.Repo != "" && c.Tokenizer.Path != "" {
		return errors.Wrap(ErrInvalid, "tokenizer.repo and tokenizer.path are mutually exclusive")
	}
	if c.Tokenizer.Repo == "" && c.Tokenizer.Path == "" && c.Tokenizer.WordVocab < 1 {
		return errors.Wrapf(ErrInvalid, "tokenizer.word_vocab must be at least 1 when no tokenizer source is given, got %d", c.Tokenizer.WordVocab)
	}

	if c.Spans.PerDocument < 2 {
		return errors.Wrapf(ErrInvalid, "spans.per_document must be at least 2 so documents yield positive pairs, got %d", c.Spans.PerDocument)
	}
	if c.Spans.MinLength < 1 {
		return errors.Wrapf(ErrInvalid, "spans.min_length must be at least 1, got %d", c.Spans.MinLength)
	}
	if c.Spans.MaxLength < c.Spans.MinLength {
		return errors.Wrapf(ErrInvalid, "spans.max_length must be at least spans.min_length, got %d < %d", c.Spans.MaxLength, c.Spans.MinLength)
	}

	if c.Model.HiddenDim < 1 {
		return errors.Wrapf(ErrInvalid, "model.hidden_dim must be at least 1, got %d", c.Model.HiddenDim)
	}

	if c.MLM.Enabled {
		if c.MLM.MaskProb <= 0 || c.MLM.MaskProb >= 1 {
			return errors.Wrapf(ErrInvalid, "mlm.mask_prob must be in (0, 1), got %g", c.MLM.MaskProb)
		}
		if c.MLM.Weight <= 0 {
			return errors.Wrapf(ErrInvalid, "mlm.weight must be positive, got %g", c.MLM.Weight)
		}
	}

	if c.Loss.Temperature <= 0 {
		return errors.Wrapf(ErrInvalid, "loss.temperature must be positive, got %g", c.Loss.Temperature)
	}
	if c.Loss.Temperature <= 0.001 {
		klog.Warningf("loss.temperature=%g is extreme; similarities are scaled by %g", c.Loss.Temperature, 1/c.Loss.Temperature)
	}

	if c.Optimizer.LearningRate <= 0 {
		return errors.Wrapf(ErrInvalid, "optimizer.learning_rate must be positive, got %g", c.Optimizer.LearningRate)
	}
	if c.Optimizer.Beta1 < 0 || c.Optimizer.Beta1 >= 1 {
		return errors.Wrapf(ErrInvalid, "optimizer.beta1 must be in [0, 1), got %g", c.Optimizer.Beta1)
	}
	if c.Optimizer.Beta2 < 0 || c.Optimizer.Beta2 >= 1 {
		return errors.Wrapf(ErrInvalid, "optimizer.beta2 must be in [0, 1), got %g", c.Optimizer.Beta2)
	}
	if c.Optimizer.Epsilon <= 0 {
		return errors.Wrapf(ErrInvalid, "optimizer.epsilon must be positive, got %g", c.Optimizer.Epsilon)
	}
	if c.Optimizer.WeightDecay < 0 {
		return errors.Wrapf(ErrInvalid, "optimizer.weight_decay must not be negative, got %g", c.Optimizer.WeightDecay)
	}
	if c.Optimizer.ClipNorm < 0 {
		return errors.Wrapf(ErrInvalid, "optimizer.clip_norm must not be negative, got %g (zero disables clipping)", c.Optimizer.ClipNorm)
	}

	if c.Training.BatchSize < 2 {
		return errors.Wrapf(ErrInvalid, "training.batch_size must be at least 2 so batches can hold positive pairs, got %d", c.Training.BatchSize)
	}
	if c.Training.Epochs < 1 {
		return errors.Wrapf(ErrInvalid, "training.epochs must be at least 1, got %d", c.Training.Epochs)
	}
	if c.Training.Prefetch < 0 {
		return errors.Wrapf(ErrInvalid, "training.prefetch must not be negative, got %d", c.Training.Prefetch)
	}

	if c.Checkpoints.Dir != "" {
		if c.Checkpoints.Keep != -1 && c.Checkpoints.Keep < 1 {
			return errors.Wrapf(ErrInvalid, "checkpoints.keep must be -1 (keep all) or at least 1, got %d", c.Checkpoints.Keep)
		}
	}
	return nil
}
