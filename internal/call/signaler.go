package call

import (
	"net/url"

	"github.com/petervdpas/tunepair/internal/proto"
	"github.com/petervdpas/tunepair/internal/transport"
)

// WebsocketSignaler returns a factory that opens the signal endpoint with
// the device id as a query parameter. Callbacks other than OnMessage in
// opts are kept.
func WebsocketSignaler(opts transport.Options[proto.SignalingMessage]) SignalerFactory {
	return func(deviceID string, onMessage func(proto.SignalingMessage)) Signaler {
		o := opts
		o.Endpoint = proto.SignalEndpoint
		o.Params = url.Values{}
		for k, v := range opts.Params {
			o.Params[k] = append([]string(nil), v...)
		}
		o.Params.Set("device_id", deviceID)
		o.OnMessage = onMessage
		return transport.New(o)
	}
}
