package transport

// Channel is one transport binding carrying a fixed set of services.
// SetAccessPoint and SyncHandler are invalid before Init.
type Channel interface {
	ProtocolID() ProtocolID
	SupportedServices() []Service
	// Init remembers tc on first call, later calls are ignored.
	Init(tc *Context) error
	SetAccessPoint(ap *AccessPoint) error
	// SyncHandler requests services to be synchronized at next opportunity.
	SyncHandler(services []Service) error
	Destroy() error
}

// Discriminator is optionally implemented by channels to tell apart
// several instances of the same protocol and services.
type Discriminator interface {
	InstanceKey() string
}

// Context is created by channel manager and shared by its channels.
type Context struct {
	Platform  PlatformProtocol
	Bootstrap BootstrapManager
}

type PlatformProtocol interface {
	SerializeClientSync(services []Service) ([]byte, error)
	ProcessServerSync(payload []byte) error
}

type BootstrapManager interface {
	// nil when not known
	OperationsAccessPoint(pid ProtocolID) *AccessPoint
	// nil when not known
	BootstrapAccessPoint(pid ProtocolID) *AccessPoint
	// errors.IsNotFound when there is no replacement
	OnAccessPointFailed(pid ProtocolID, st ServerType) error
}
