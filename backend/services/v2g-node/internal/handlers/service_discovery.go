package handlers

import (
	"context"

	"v2gcharge/backend/services/v2g-node/internal/v2g"
	"v2gcharge/backend/services/v2g-node/internal/v2g/protocol"
)

// NewServiceDiscoveryHandler offers the charge service and the payment options of
// the transport the request arrived on.
func NewServiceDiscoveryHandler(free bool, modes []string) v2g.HandlerFunc {
	return func(ctx context.Context, req *v2g.Request) (interface{}, error) {
		if _, err := v2g.Decode[protocol.ServiceDiscoveryReq](req.Message.Body); err != nil {
			return nil, err
		}
		options := make([]string, len(req.PaymentOptions))
		copy(options, req.PaymentOptions)
		return protocol.ServiceDiscoveryRes{
			Status:         protocol.Status{ResponseCode: protocol.ResponseOK},
			PaymentOptions: options,
			ChargeService: protocol.ChargeService{
				ServiceID:           protocol.ChargingServiceID,
				FreeService:         free,
				EnergyTransferModes: modes,
			},
		}, nil
	}
}
