package handlers

import (
	"context"
	"time"

	"v2gcharge/backend/services/v2g-node/internal/v2g"
	"v2gcharge/backend/services/v2g-node/internal/v2g/protocol"
)

// NewChargingStatusHandler reports the meter reading. With stopAfter > 0 the
// station asks the EV to stop once that many status exchanges happened.
func NewChargingStatusHandler(evseID, meterID string, stopAfter int) v2g.HandlerFunc {
	return func(ctx context.Context, req *v2g.Request) (interface{}, error) {
		if _, err := v2g.Decode[protocol.ChargingStatusReq](req.Message.Body); err != nil {
			return nil, err
		}
		rec := req.Session
		now := time.Now().UTC()
		rec.MeterReadingWh += rec.Parameters.PMaxW * now.Sub(rec.UpdatedAt).Hours()
		rec.StatusExchanges++

		notification := protocol.NotificationNone
		if stopAfter > 0 && rec.StatusExchanges >= stopAfter {
			notification = protocol.NotificationStopCharging
		}
		return protocol.ChargingStatusRes{
			Status:            protocol.Status{ResponseCode: protocol.ResponseOK},
			EVSEID:            evseID,
			SAScheduleTupleID: rec.Parameters.SAScheduleTupleID,
			EVSEMaxCurrent:    rec.Parameters.EVSEMaxCurrent,
			MeterInfo: protocol.MeterInfo{
				MeterID:        meterID,
				MeterReadingWh: rec.MeterReadingWh,
			},
			EVSEStatus: protocol.EVSEStatus{Notification: notification},
		}, nil
	}
}
