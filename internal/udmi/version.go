package udmi

// Version is the UDMI schema version implemented by this module. Every
// published document carries it in its "version" field.
const Version = "1.5.2"

// Well-known top-level keys of config and state documents.
const (
	KeySystem    = "system"
	KeyPointset  = "pointset"
	KeyGateway   = "gateway"
	KeyBlobset   = "blobset"
	KeyDiscovery = "discovery"
	KeyTesting   = "testing"

	KeyVersion   = "version"
	KeyTimestamp = "timestamp"
)

// Channel names used by the dispatcher. Events and commands carry a
// sub-channel, e.g. "events/pointset" or "commands/reboot".
const (
	ChannelConfig   = "config"
	ChannelState    = "state"
	ChannelEvents   = "events"
	ChannelCommands = "commands"
	ChannelAttach   = "attach"
	ChannelDetach   = "detach"
	ChannelErrors   = "errors"
)

// Event sub-folders.
const (
	SubfolderPointset  = "pointset"
	SubfolderSystem    = "system"
	SubfolderDiscovery = "discovery"
)
