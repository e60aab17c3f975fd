package peer

import (
	"log"
	"time"

	"github.com/mossy-p/textcloud/config"
	"github.com/pion/webrtc/v4"
)

// Options tunes one transport. Zero values take the defaults below.
type Options struct {
	// Initiator transports create the data channel and send offers.
	Initiator bool
	ICE       config.ICEConfig
	API       *webrtc.API

	GatherTimeout   time.Duration
	GatherExtension time.Duration

	RemoteDescriptionAttempts int
	RemoteDescriptionDelay    time.Duration

	ICERestarts     int
	ICERestartDelay time.Duration
	Renegotiations  int
	SettleDelay     time.Duration

	// StatsInterval is how often connection quality is sampled.
	StatsInterval time.Duration

	Logger *log.Logger
}

func (o *Options) applyDefaults() {
	if o.API == nil {
		o.API = webrtc.NewAPI()
	}
	if o.GatherTimeout <= 0 {
		o.GatherTimeout = 15 * time.Second
	}
	if o.GatherExtension <= 0 {
		o.GatherExtension = 8 * time.Second
	}
	if o.RemoteDescriptionAttempts <= 0 {
		o.RemoteDescriptionAttempts = 3
	}
	if o.RemoteDescriptionDelay <= 0 {
		o.RemoteDescriptionDelay = time.Second
	}
	if o.ICERestarts <= 0 {
		o.ICERestarts = 5
	}
	if o.ICERestartDelay <= 0 {
		o.ICERestartDelay = 4 * time.Second
	}
	if o.Renegotiations <= 0 {
		o.Renegotiations = 3
	}
	if o.SettleDelay <= 0 {
		o.SettleDelay = 2 * time.Second
	}
	if o.StatsInterval <= 0 {
		o.StatsInterval = time.Second
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}
}

// Configuration builds the pion configuration for the given ICE servers.
// TURN urls share one set of credentials.
func Configuration(ice config.ICEConfig) webrtc.Configuration {
	var servers []webrtc.ICEServer
	for _, url := range ice.STUNServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{url}})
	}
	for _, url := range ice.TURNURLs {
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{url},
			Username:   ice.TURNUsername,
			Credential: ice.TURNCredential,
		})
	}
	return webrtc.Configuration{
		ICEServers:         servers,
		ICETransportPolicy: webrtc.ICETransportPolicyAll,
		BundlePolicy:       webrtc.BundlePolicyMaxBundle,
		RTCPMuxPolicy:      webrtc.RTCPMuxPolicyRequire,
	}
}
