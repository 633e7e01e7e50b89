package negotiator

import (
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/haneulee/HEAD-plaza/internal/logging"
)

// newAPI builds the pion API shared by every peer connection of a
// negotiator.
func newAPI(config Config, log *zap.Logger) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, errors.Wrap(err, "registering codecs")
	}

	settingEngine := webrtc.SettingEngine{
		LoggerFactory: logging.NewPionFactory(log),
	}
	settingEngine.SetIncludeLoopbackCandidate(config.IncludeLoopback)
	if len(config.NetworkTypes) > 0 {
		settingEngine.SetNetworkTypes(config.NetworkTypes)
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithSettingEngine(settingEngine),
	), nil
}
