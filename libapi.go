package outboxflow

import (
	runtimepkg "github.com/drblury/outboxflow/internal/runtime"
	codecpkg "github.com/drblury/outboxflow/internal/runtime/codec"
	configpkg "github.com/drblury/outboxflow/internal/runtime/config"
	"github.com/drblury/outboxflow/internal/runtime/consumer"
	"github.com/drblury/outboxflow/internal/runtime/envelope"
	errspkg "github.com/drblury/outboxflow/internal/runtime/errors"
	idspkg "github.com/drblury/outboxflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/outboxflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/outboxflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/outboxflow/internal/runtime/metadata"
	"github.com/drblury/outboxflow/internal/runtime/outbox"
	"github.com/drblury/outboxflow/internal/runtime/publish"
	"github.com/drblury/outboxflow/internal/runtime/source"
	transportpkg "github.com/drblury/outboxflow/transport"
	_ "github.com/drblury/outboxflow/transport/transports"
)

type (
	Config              = configpkg.Config
	Listener            = configpkg.Listener
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies

	ConsumerRegistration      = runtimepkg.ConsumerRegistration
	BatchConsumerRegistration = runtimepkg.BatchConsumerRegistration

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration
	RetryMiddlewareConfig  = runtimepkg.RetryMiddlewareConfig

	// Publishing
	Publishable = source.Publishable
	Hook        = source.Hook
	Binding     = envelope.Binding
	Change      = envelope.Change
	ChangeKind  = envelope.Kind
	Attributes  = envelope.Attributes
	Envelope    = envelope.Envelope
	Payload     = envelope.Payload
	Backend     = publish.Backend
	BackendMode = publish.Mode
	Transactor  = outbox.Transactor
	OutboxStore = outbox.Store
	OutboxRow   = outbox.Row
	Relay       = outbox.Relay
	CycleResult = outbox.CycleResult

	// Consuming
	Handler          = consumer.Handler
	HandlerFunc      = consumer.HandlerFunc
	BatchHandler     = consumer.BatchHandler
	BatchHandlerFunc = consumer.BatchHandlerFunc
	HandlerRegistry  = consumer.Registry
	Message          = consumer.Message
	MessageMetadata  = consumer.Metadata

	// Codecs
	Codec          = codecpkg.Codec
	SchemaRef      = codecpkg.SchemaRef
	Schema         = codecpkg.Schema
	SchemaRegistry = codecpkg.Registry
	JSONCodec      = codecpkg.JSONCodec
	ProtoCodec     = codecpkg.ProtoCodec
	AvroCodec      = codecpkg.AvroCodec
	MemoryRegistry = codecpkg.MemoryRegistry
	HTTPRegistry   = codecpkg.HTTPRegistry

	Metadata = metadatapkg.Metadata

	LogFields                 = loggingpkg.LogFields
	ServiceLogger             = loggingpkg.ServiceLogger
	EntryLoggerAdapter[T any] = loggingpkg.EntryLoggerAdapter[T]

	EncodingError         = errspkg.EncodingError
	DecodingError         = errspkg.DecodingError
	DeliveryError         = errspkg.DeliveryError
	HandlerError          = errspkg.HandlerError
	ConfigValidationError = errspkg.ConfigValidationError
	ErrorKind             = errspkg.ErrorKind

	Transport             = transportpkg.Transport
	TransportBuilder      = transportpkg.Builder
	TransportConfig       = transportpkg.Config
	TransportRegistry     = transportpkg.Registry
	TransportCapabilities = transportpkg.Capabilities
)

var (
	NewService     = runtimepkg.NewService
	ValidateConfig = configpkg.ValidateConfig
	LoadConfig     = configpkg.Load
	DecodeConfig   = configpkg.Decode

	RegisterConsumer      = runtimepkg.RegisterConsumer
	RegisterBatchConsumer = runtimepkg.RegisterBatchConsumer
	RegisterListeners     = runtimepkg.RegisterListeners
	NewHandlerRegistry    = consumer.NewRegistry

	DefaultMiddlewares        = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware   = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware     = runtimepkg.LogMessagesMiddleware
	TracerMiddleware          = runtimepkg.TracerMiddleware
	MetricsMiddleware         = runtimepkg.MetricsMiddleware
	RetryMiddleware           = runtimepkg.RetryMiddleware
	ConfiguredRetryMiddleware = runtimepkg.ConfiguredRetryMiddleware
	PoisonQueueMiddleware     = runtimepkg.PoisonQueueMiddleware
	RecovererMiddleware       = runtimepkg.RecovererMiddleware

	NewTransactor  = outbox.NewTransactor
	TxFromContext  = outbox.TxFromContext
	AfterCommit    = outbox.AfterCommit
	Tombstone      = envelope.Tombstone
	EncodedPayload = envelope.Encoded

	NewJSONCodec       = codecpkg.NewJSONCodec
	NewProtoCodec      = codecpkg.NewProtoCodec
	NewAvroCodec       = codecpkg.NewAvroCodec
	NewMemoryRegistry  = codecpkg.NewMemoryRegistry
	NewCachingRegistry = codecpkg.NewCachingRegistry
	NewHTTPRegistry    = codecpkg.NewHTTPRegistry

	DefaultTransportRegistry  = transportpkg.DefaultRegistry
	RegisterTransport         = transportpkg.Register
	RegisterTransportWithCaps = transportpkg.RegisterWithCapabilities
	BuildTransport            = transportpkg.Build
	GetTransportCapabilities  = transportpkg.GetCapabilities

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NopLogger                 = loggingpkg.NopLogger
	NewMetadata               = metadatapkg.New
	CreateULID                = idspkg.CreateULID

	ClassifyError            = errspkg.Classify
	NewConfigValidationError = errspkg.NewConfigValidationError

	ErrServiceRequired     = errspkg.ErrServiceRequired
	ErrHandlerRequired     = errspkg.ErrHandlerRequired
	ErrHandlerNameRequired = errspkg.ErrHandlerNameRequired
	ErrPublisherRequired   = errspkg.ErrPublisherRequired
	ErrTopicRequired       = errspkg.ErrTopicRequired
	ErrConfigRequired      = errspkg.ErrConfigRequired
	ErrLoggerRequired      = errspkg.ErrLoggerRequired
	ErrCodecRequired       = errspkg.ErrCodecRequired
	ErrStoreRequired       = errspkg.ErrStoreRequired
	ErrTransactionRequired = errspkg.ErrTransactionRequired
	ErrCycleInProgress     = errspkg.ErrCycleInProgress
	ErrUnknownSchema       = errspkg.ErrUnknownSchema
	ErrDuplicateHandler    = errspkg.ErrDuplicateHandler
	ErrUnknownHandler      = errspkg.ErrUnknownHandler
	ErrUnknownTransport    = transportpkg.ErrUnknownTransport

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode
)

const (
	BackendDirect = configpkg.BackendDirect
	BackendOutbox = configpkg.BackendOutbox

	CodecAvro  = configpkg.CodecAvro
	CodecJSON  = configpkg.CodecJSON
	CodecProto = configpkg.CodecProto

	DialectPostgres = configpkg.DialectPostgres
	DialectSQLite   = configpkg.DialectSQLite
	DialectMySQL    = configpkg.DialectMySQL

	ModeDirect   = publish.ModeDirect
	ModeOutbox   = publish.ModeOutbox
	ModeDisabled = publish.ModeDisabled

	Create = envelope.Create
	Update = envelope.Update
	Delete = envelope.Delete

	// KeyWholeRecord keys an envelope by every attribute of the record.
	KeyWholeRecord = envelope.KeyWholeRecord
)

// Reserved headers.
const (
	MetadataKeyPartitionKey  = metadatapkg.KeyPartitionKey
	MetadataKeyTombstone     = metadatapkg.KeyTombstone
	MetadataKeyProducedAt    = metadatapkg.KeyProducedAt
	MetadataKeyOutboxID      = metadatapkg.KeyOutboxID
	MetadataKeyCorrelationID = metadatapkg.KeyCorrelationID
)

// Error kinds reported by ClassifyError.
const (
	ErrorKindNone     = errspkg.KindNone
	ErrorKindEncode   = errspkg.KindEncode
	ErrorKindDecode   = errspkg.KindDecode
	ErrorKindDelivery = errspkg.KindDelivery
	ErrorKindHandler  = errspkg.KindHandler
	ErrorKindOther    = errspkg.KindOther
)

func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	return loggingpkg.NewEntryServiceLogger(entry)
}

// SchemaFor is a shorthand for SchemaRef{Namespace: namespace, Name: name}.
func SchemaFor(namespace, name string) SchemaRef {
	return SchemaRef{Namespace: namespace, Name: name}
}
