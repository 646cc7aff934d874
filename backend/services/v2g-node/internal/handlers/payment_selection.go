package handlers

import (
	"context"
	"fmt"

	"v2gcharge/backend/services/v2g-node/internal/v2g"
	"v2gcharge/backend/services/v2g-node/internal/v2g/protocol"
)

// NewPaymentServiceSelectionHandler validates the selection and commits the
// free-charging flag. Paid charging requires contract payment.
func NewPaymentServiceSelectionHandler(free bool) v2g.HandlerFunc {
	return func(ctx context.Context, req *v2g.Request) (interface{}, error) {
		body, err := v2g.Decode[protocol.PaymentServiceSelectionReq](req.Message.Body)
		if err != nil {
			return nil, err
		}
		if !contains(req.PaymentOptions, body.SelectedPaymentOption) {
			return nil, v2g.Fail(protocol.ResponseFailedPaymentSelectionInvalid,
				fmt.Errorf("payment option %q not offered", body.SelectedPaymentOption))
		}
		if !free && body.SelectedPaymentOption != protocol.PaymentContract {
			return nil, v2g.Fail(protocol.ResponseFailedPaymentSelectionInvalid,
				fmt.Errorf("paid charging needs %s payment", protocol.PaymentContract))
		}
		if !containsInt(body.SelectedServices, protocol.ChargingServiceID) {
			return nil, v2g.Fail(protocol.ResponseFailedServiceSelectionInvalid,
				fmt.Errorf("charge service %d not selected", protocol.ChargingServiceID))
		}

		req.Session.PaymentOption = body.SelectedPaymentOption
		req.Session.ChargingIsFree = free
		return protocol.PaymentServiceSelectionRes{
			Status: protocol.Status{ResponseCode: protocol.ResponseOK},
		}, nil
	}
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

func containsInt(values []int, want int) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
