package config

import (
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/RuiFG/streaming/streaming-runner/connector/kafka"
	"github.com/RuiFG/streaming/streaming-runner/element"
	"github.com/RuiFG/streaming/streaming-runner/log"
	"github.com/RuiFG/streaming/streaming-runner/operator"
	"github.com/RuiFG/streaming/streaming-runner/store"
	"github.com/Shopify/sarama"
	"github.com/pkg/errors"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"
	"github.com/uber-go/tally/v4"
	"github.com/uber-go/tally/v4/prometheus"
)

const envPrefix = "dofn"

type Application struct {
	Env         string      `mapstructure:"env"`
	Log         Log         `mapstructure:"log"`
	Operator    Operator    `mapstructure:"operator"`
	Store       Store       `mapstructure:"store"`
	Coordinator Coordinator `mapstructure:"coordinator"`
	Kafka       Kafka       `mapstructure:"kafka"`
	Metrics     Metrics     `mapstructure:"metrics"`
}

type Log struct {
	Level      string `mapstructure:"level"`
	Encoder    string `mapstructure:"encoder"`
	TimeLayout string `mapstructure:"time_layout"`
	Stacktrace bool   `mapstructure:"stacktrace"`
	Caller     bool   `mapstructure:"caller"`
}

type Operator struct {
	Name                            string        `mapstructure:"name"`
	NodeId                          int64         `mapstructure:"node_id"`
	MaxBundleSize                   int64         `mapstructure:"max_bundle_size"`
	MaxBundleTime                   time.Duration `mapstructure:"max_bundle_time"`
	FinishBundleBeforeCheckpointing bool          `mapstructure:"finish_bundle_before_checkpointing"`
	CheckpointingMode               string        `mapstructure:"checkpointing_mode"`
	StableInput                     bool          `mapstructure:"stable_input"`
	DrainFlush                      bool          `mapstructure:"drain_flush"`
	NumConcurrentCheckpoints        int           `mapstructure:"num_concurrent_checkpoints"`
	NotReadyCacheSize               int           `mapstructure:"not_ready_cache_size"`
	OutputTags                      []string      `mapstructure:"output_tags"`
}

type Store struct {
	// Type is memory or nutsdb.
	Type           string `mapstructure:"type"`
	Dir            string `mapstructure:"dir"`
	KeyGroups      int    `mapstructure:"key_groups"`
	CheckpointsDir string `mapstructure:"checkpoints_dir"`
	NumRetained    int    `mapstructure:"num_retained"`
	NumMerged      int    `mapstructure:"num_merged"`
}

type Coordinator struct {
	Interval                         time.Duration `mapstructure:"interval"`
	MaxConcurrentCheckpoints         int           `mapstructure:"max_concurrent_checkpoints"`
	MinPauseBetweenCheckpoints       time.Duration `mapstructure:"min_pause_between_checkpoints"`
	TolerableCheckpointFailureNumber int           `mapstructure:"tolerable_checkpoint_failure_number"`
}

type Kafka struct {
	Addresses         []string      `mapstructure:"addresses"`
	Topics            []string      `mapstructure:"topics"`
	GroupId           string        `mapstructure:"group_id"`
	Version           string        `mapstructure:"version"`
	OutOfOrderness    time.Duration `mapstructure:"out_of_orderness"`
	WatermarkInterval time.Duration `mapstructure:"watermark_interval"`
}

type Metrics struct {
	// Address serves /metrics when set, e.g. ":8080".
	Address        string        `mapstructure:"address"`
	Prefix         string        `mapstructure:"prefix"`
	ReportInterval time.Duration `mapstructure:"report_interval"`
}

func Default() Application {
	return Application{
		Log: Log{Level: "info", Encoder: "console", TimeLayout: "2006-01-02 15:04:05.000"},
		Operator: Operator{
			Name:                     "dofn",
			MaxBundleSize:            1000,
			MaxBundleTime:            time.Second,
			CheckpointingMode:        "exactly_once",
			NumConcurrentCheckpoints: 1,
			NotReadyCacheSize:        1000,
		},
		Store: Store{Type: "memory", KeyGroups: store.DefaultKeyGroups, NumRetained: 3, NumMerged: 10},
		Coordinator: Coordinator{
			Interval:                 time.Minute,
			MaxConcurrentCheckpoints: 1,
		},
		Kafka:   Kafka{GroupId: "dofn", OutOfOrderness: -1, WatermarkInterval: time.Second},
		Metrics: Metrics{Prefix: "dofn", ReportInterval: 3 * time.Second},
	}
}

// Load reads path over the defaults, then merges the sibling "<name>-<env>" file
// when env is set. DOFN_ prefixed environment variables override both.
func Load(path string) (Application, error) {
	application := Default()
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return application, errors.WithMessagef(err, "failed to read config %s", path)
		}
		if env := v.GetString("env"); env != "" {
			ext := filepath.Ext(path)
			v.SetConfigFile(strings.TrimSuffix(path, ext) + "-" + env + ext)
			//the env file is optional
			_ = v.MergeInConfig()
		}
	}
	bindEnvs(v)
	if err := v.Unmarshal(&application); err != nil {
		return application, errors.WithMessage(err, "failed to unmarshal config")
	}
	return application, nil
}

// bindEnvs registers every key, AutomaticEnv only sees keys viper already knows.
func bindEnvs(v *viper.Viper) {
	for _, key := range []string{
		"log.level", "log.encoder", "log.time_layout", "log.stacktrace", "log.caller",
		"operator.name", "operator.node_id", "operator.max_bundle_size", "operator.max_bundle_time",
		"operator.finish_bundle_before_checkpointing", "operator.checkpointing_mode",
		"operator.stable_input", "operator.drain_flush", "operator.num_concurrent_checkpoints",
		"operator.not_ready_cache_size", "operator.output_tags",
		"store.type", "store.dir", "store.key_groups", "store.checkpoints_dir", "store.num_retained", "store.num_merged",
		"coordinator.interval", "coordinator.max_concurrent_checkpoints",
		"coordinator.min_pause_between_checkpoints", "coordinator.tolerable_checkpoint_failure_number",
		"kafka.addresses", "kafka.topics", "kafka.group_id", "kafka.version",
		"kafka.out_of_orderness", "kafka.watermark_interval",
		"metrics.address", "metrics.prefix", "metrics.report_interval",
		"env",
	} {
		_ = v.BindEnv(key)
	}
}

func (l Log) Options() (*log.Options, error) {
	level, err := log.ParseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	encoder, err := log.ParseOutputEncoder(l.Encoder)
	if err != nil {
		return nil, err
	}
	options := log.DefaultOptions().WithLevel(level).WithOutputEncoder(encoder).WithStacktrace(l.Stacktrace).WithCaller(l.Caller)
	if l.TimeLayout != "" {
		options = options.WithTimeLayout(l.TimeLayout)
	}
	return options, nil
}

func parseCheckpointingMode(text string) (operator.CheckpointingMode, error) {
	switch strings.ToLower(text) {
	case "", "exactly_once":
		return operator.ExactlyOnce, nil
	case "at_least_once":
		return operator.AtLeastOnce, nil
	}
	return operator.ExactlyOnce, errors.Errorf("unknown checkpointing mode %s", text)
}

// Options converts o into operator options, validation is left to operator.New.
func (o Operator) Options() ([]operator.WithOptions, error) {
	mode, err := parseCheckpointingMode(o.CheckpointingMode)
	if err != nil {
		return nil, err
	}
	withOptions := []operator.WithOptions{
		operator.WithName(o.Name),
		operator.WithNodeId(o.NodeId),
		operator.WithMaxBundleSize(o.MaxBundleSize),
		operator.WithMaxBundleTime(o.MaxBundleTime),
		operator.WithFinishBundleBeforeCheckpointing(o.FinishBundleBeforeCheckpointing),
		operator.WithCheckpointingMode(mode),
		operator.WithStableInput(o.StableInput, o.DrainFlush),
		operator.WithNumConcurrentCheckpoints(o.NumConcurrentCheckpoints),
		operator.WithNotReadyCacheSize(o.NotReadyCacheSize),
	}
	if len(o.OutputTags) > 0 {
		tags := make([]element.Tag, 0, len(o.OutputTags))
		for _, tag := range o.OutputTags {
			tags = append(tags, element.Tag(tag))
		}
		withOptions = append(withOptions, operator.WithOutputTags(tags...))
	}
	return withOptions, nil
}

func (s Store) KeyedStore(logger log.Logger) (store.KeyedStore, error) {
	switch strings.ToLower(s.Type) {
	case "", "memory":
		return store.NewMemoryKeyedStore(), nil
	case "nutsdb":
		if s.Dir == "" {
			return nil, errors.New("nutsdb keyed store needs a dir")
		}
		nutsStore, err := store.NewNutsKeyedStore(logger, s.Dir, s.KeyGroups)
		if err != nil {
			return nil, err
		}
		return nutsStore, nil
	}
	return nil, errors.Errorf("unknown store type %s", s.Type)
}

func (s Store) Backend(logger log.Logger) (store.Backend, error) {
	if s.CheckpointsDir == "" {
		return store.NewMemoryBackend(), nil
	}
	return store.NewFSBackend(logger, s.CheckpointsDir, s.NumRetained, s.NumMerged)
}

// Config builds the consumer group config. A negative OutOfOrderness disables watermarks.
func (k Kafka) Config() (kafka.Config, error) {
	saramaConfig := sarama.NewConfig()
	if k.Version != "" {
		version, err := sarama.ParseKafkaVersion(k.Version)
		if err != nil {
			return kafka.Config{}, errors.WithMessage(err, "invalid kafka version")
		}
		saramaConfig.Version = version
	}
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	generator := kafka.NoWatermarks()
	if k.OutOfOrderness >= 0 {
		generator = kafka.NewBoundedOutOfOrdernessGenerator(k.OutOfOrderness)
	}
	return kafka.Config{
		SaramaConfig:          saramaConfig,
		Addresses:             k.Addresses,
		Topics:                k.Topics,
		GroupId:               k.GroupId,
		WatermarkGenerator:    generator,
		AutoWatermarkInterval: k.WatermarkInterval,
	}, nil
}

// Scope builds a root scope reported to its own prometheus registry, the
// handler serves that registry.
func (m Metrics) Scope() (tally.Scope, io.Closer, http.Handler) {
	registry := prom.NewRegistry()
	reporter := prometheus.NewReporter(prometheus.Options{
		Registerer:               registry,
		Gatherer:                 registry,
		DefaultTimerType:         prometheus.HistogramTimerType,
		DefaultHistogramBuckets:  prometheus.DefaultHistogramBuckets(),
		DefaultSummaryObjectives: prometheus.DefaultSummaryObjectives(),
	})
	interval := m.ReportInterval
	if interval <= 0 {
		interval = time.Second
	}
	scope, closer := tally.NewRootScope(tally.ScopeOptions{
		Prefix:         m.Prefix,
		CachedReporter: reporter,
		Separator:      prometheus.DefaultSeparator,
	}, interval)
	return scope, closer, reporter.HTTPHandler()
}
