package cnst

const (
	AppName    = "clinicpush"
	ServerYaml = "clinicpush.yaml"
)

// Header carrying the shared secret of the producer endpoint
const HeaderInternalToken = "X-Internal-Token"
