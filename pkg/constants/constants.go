package constants

import "time"

// Application constants
const (
	// Application metadata
	AppName        = "fedgroup"
	AppDescription = "Clustered federated learning simulator"
	AppVersion     = "0.1.0"

	// Default configuration values
	DefaultStatusAddr      = ":8081"
	DefaultMetricsPort     = 9090
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "text"
	DefaultShutdownTimeout = 10 * time.Second
	DefaultEnvPrefix       = "FEDGROUP"

	// Round defaults
	DefaultNumRounds       = 200
	DefaultClientsPerRound = 20
	DefaultEvalEvery       = 1
	DefaultNumEpochs       = 20
	DefaultBatchSize       = 10
	DefaultLearningRate    = 0.003
	DefaultSeed            = 0
	DefaultDropPercent     = 0.0

	// Grouping defaults
	DefaultNumGroups      = 3
	DefaultGroupEpochs    = 1
	DefaultMinClients     = 2
	DefaultAggLR          = 0.0
	DefaultReclusterEpoch = 0
	DefaultClientTemp     = 0
	DefaultClusterSeed    = 0

	// Number of local iterations used to pre-train a client before measuring its direction.
	DefaultPretrainIters = 50

	// Clustering candidates are sampled as min(NumGroups*ClusteringAlpha, population).
	ClusteringAlpha = 20

	// K-means iteration cap used by the cluster assigner.
	KMeansMaxIter = 20

	// Group models are reinitialized with seed (idx+seed)*GroupSeedMultiplier under IFCA/FeSEM.
	GroupSeedMultiplier = 888

	// Fixed seed used when shuffling a client's batches.
	BatchShuffleSeed = 100

	// Smallest total inter-group weight accepted before falling back to self weights.
	MinAggWeight = 1e-12

	// Worker defaults
	DefaultWorkers = 1
)

// Run modes
const (
	RunModeFedGroup = "fedgroup"
	RunModeIFCA     = "ifca"
	RunModeFeSEM    = "fesem"
)

// Log levels
const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// Log formats
const (
	LogFormatJSON = "json"
	LogFormatText = "text"
)

// Metrics sinks
const (
	SinkTypeCSV      = "csv"
	SinkTypeInfluxDB = "influxdb"
	SinkTypePostgres = "postgres"
	SinkTypeNone     = "none"
)

// Checkpoint backends
const (
	CheckpointTypeFile  = "file"
	CheckpointTypeRedis = "redis"
	CheckpointTypeS3    = "s3"
	CheckpointTypeNone  = "none"
)

// Output file names
const (
	StatsFileName       = "group_stats.csv"
	MeansFileName       = "means.csv"
	DiscrepancyFileName = "diffs.csv"
	LedgerFileName      = "metrics.json"
)
