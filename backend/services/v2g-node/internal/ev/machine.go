package ev

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"v2gcharge/backend/services/v2g-node/internal/session"
	"v2gcharge/backend/services/v2g-node/internal/trust"
	"v2gcharge/backend/services/v2g-node/internal/v2g"
	"v2gcharge/backend/services/v2g-node/internal/v2g/protocol"
)

// Step names, as logged when each step begins.
const (
	StepSessionSetup     = "session setup"
	StepServiceDiscovery = "service discovery"
	StepPaymentSelection = "payment selection"
	StepPaymentDetails   = "payment details"
	StepAuthorization    = "authorization"
	StepChargeParameter  = "charge parameter discovery"
	StepPowerDelivery    = "power delivery"
	StepCharging         = "charging"
	StepSessionStop      = "session stop"
)

const (
	defaultStatusInterval  = time.Second
	defaultOngoingRetries  = 20
	defaultOngoingInterval = 500 * time.Millisecond
	defaultStepTimeout     = 5 * time.Second
)

var (
	ErrNoPaymentOption    = errors.New("ev: no usable payment option offered")
	ErrNoCredential       = errors.New("ev: contract payment needs a contract credential")
	ErrStillProcessing    = errors.New("ev: station kept processing")
	ErrNoSchedule         = errors.New("ev: no schedule offered")
	ErrUnexpectedResponse = errors.New("ev: unexpected response type")
)

// Exchanger carries request/response pairs to the SECC.
type Exchanger interface {
	Exchange(ctx context.Context, msg *protocol.Message) (*protocol.Message, error)
	Close() error
}

// StepError reports which step ended the session.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("ev: %s failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Options tune the EV session.
type Options struct {
	EVCCID string
	// ChargingLoops bounds the charging status exchanges; 0 repeats until stopped.
	ChargingLoops   int
	StatusInterval  time.Duration
	OngoingRetries  int
	OngoingInterval time.Duration
	StepTimeout     time.Duration
	// StopTimeout bounds the session stop exchange, which runs even after cancellation.
	StopTimeout        time.Duration
	EnergyTransferMode string
	ChargeParameter    protocol.ACEVChargeParameter
}

func (o *Options) defaults() {
	if o.StatusInterval <= 0 {
		o.StatusInterval = defaultStatusInterval
	}
	if o.OngoingRetries <= 0 {
		o.OngoingRetries = defaultOngoingRetries
	}
	if o.OngoingInterval <= 0 {
		o.OngoingInterval = defaultOngoingInterval
	}
	if o.StepTimeout <= 0 {
		o.StepTimeout = defaultStepTimeout
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = o.StepTimeout
	}
	if o.EnergyTransferMode == "" {
		o.EnergyTransferMode = protocol.EnergyACThreePhase
	}
}

// Machine drives one EV charging session over an established connection.
// Steps run strictly one at a time.
type Machine struct {
	conn   Exchanger
	rec    *session.ChargingSession
	opts   Options
	logger *zap.Logger

	offered   []string
	freeOffer bool
	schedule  protocol.SAScheduleTuple

	stopOnce  sync.Once
	stop      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New returns machine for conn. cred may be nil when charging is free.
func New(conn Exchanger, cred *trust.Credential, opts Options, logger *zap.Logger) *Machine {
	opts.defaults()
	rec := session.New()
	rec.Credential = cred
	if cred != nil {
		rec.EMAID = cred.EMAID
	}
	// the orchestrator hands over a discovered and connected peer
	_ = rec.Advance(session.PhaseDiscovered)
	_ = rec.Advance(session.PhaseConnected)
	return &Machine{
		conn:   conn,
		rec:    rec,
		opts:   opts,
		logger: logger,
		stop:   make(chan struct{}),
	}
}

// Session returns the session record.
func (m *Machine) Session() *session.ChargingSession {
	return m.rec
}

// RequestStop ends the charging loop at its next iteration boundary.
func (m *Machine) RequestStop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

type step struct {
	name string
	run  func(ctx context.Context) error
	skip func() bool
}

// Run executes the session. Any failing step closes the session without a
// session stop handshake and is returned as *StepError.
func (m *Machine) Run(ctx context.Context) error {
	steps := []step{
		{name: StepSessionSetup, run: m.sessionSetup},
		{name: StepServiceDiscovery, run: m.serviceDiscovery},
		{name: StepPaymentSelection, run: m.paymentSelection},
		{name: StepPaymentDetails, run: m.paymentDetails, skip: func() bool { return m.rec.ChargingIsFree }},
		{name: StepAuthorization, run: m.authorization},
		{name: StepChargeParameter, run: m.chargeParameter},
		{name: StepPowerDelivery, run: m.powerDelivery},
		{name: StepCharging, run: m.charging},
		{name: StepSessionStop, run: m.sessionStop},
	}

	for _, s := range steps {
		if s.skip != nil && s.skip() {
			continue
		}
		m.logger.Info("step started", zap.String("step", s.name), zap.String("session_id", m.rec.ID))
		if err := s.run(ctx); err != nil {
			m.logger.Error("step failed",
				zap.String("step", s.name),
				zap.String("session_id", m.rec.ID),
				zap.String("kind", v2g.KindOf(err).String()),
				zap.Error(err),
			)
			m.Close()
			return &StepError{Step: s.name, Err: err}
		}
	}

	m.logger.Info("finished charging, ending session",
		zap.String("session_id", m.rec.ID),
		zap.Int("status_exchanges", m.rec.StatusExchanges),
		zap.Float64("meter_wh", m.rec.MeterReadingWh),
	)
	return m.Close()
}

// Close releases the connection and the session credentials. Only the first
// call has an effect.
func (m *Machine) Close() error {
	m.closeOnce.Do(func() {
		m.rec.Close()
		m.closeErr = m.conn.Close()
	})
	return m.closeErr
}

func (m *Machine) sessionSetup(ctx context.Context) error {
	var res protocol.SessionSetupRes
	sessionID, err := m.exchange(ctx, StepSessionSetup, protocol.TypeSessionSetupReq,
		protocol.SessionSetupReq{EVCCID: m.opts.EVCCID}, &res)
	if err != nil {
		return err
	}
	if sessionID == "" {
		return v2g.Malformed(StepSessionSetup, errors.New("empty session id"))
	}
	m.rec.ID = sessionID
	m.rec.EVCCID = m.opts.EVCCID
	m.rec.EVSEID = res.EVSEID
	return m.rec.Advance(session.PhaseSessionEstablished)
}

func (m *Machine) serviceDiscovery(ctx context.Context) error {
	var res protocol.ServiceDiscoveryRes
	if _, err := m.exchange(ctx, StepServiceDiscovery, protocol.TypeServiceDiscoveryReq, protocol.ServiceDiscoveryReq{}, &res); err != nil {
		return err
	}
	m.offered = res.PaymentOptions
	m.freeOffer = res.ChargeService.FreeService
	return m.rec.Advance(session.PhaseServiceDiscovered)
}

func (m *Machine) paymentSelection(ctx context.Context) error {
	option, err := m.choosePayment()
	if err != nil {
		return v2g.Local(StepPaymentSelection, err)
	}
	var res protocol.PaymentServiceSelectionRes
	_, err = m.exchange(ctx, StepPaymentSelection, protocol.TypePaymentServiceSelectionReq, protocol.PaymentServiceSelectionReq{
		SelectedPaymentOption: option,
		SelectedServices:      []int{protocol.ChargingServiceID},
	}, &res)
	if err != nil {
		return err
	}
	m.rec.PaymentOption = option
	m.rec.ChargingIsFree = m.freeOffer
	return m.rec.Advance(session.PhasePaymentSelected)
}

func (m *Machine) choosePayment() (string, error) {
	if m.freeOffer && offers(m.offered, protocol.PaymentExternalPayment) {
		return protocol.PaymentExternalPayment, nil
	}
	if !offers(m.offered, protocol.PaymentContract) {
		return "", ErrNoPaymentOption
	}
	if m.rec.Credential == nil {
		return "", ErrNoCredential
	}
	return protocol.PaymentContract, nil
}

func (m *Machine) paymentDetails(ctx context.Context) error {
	cred := m.rec.Credential
	if cred == nil {
		return v2g.Local(StepPaymentDetails, ErrNoCredential)
	}
	var res protocol.PaymentDetailsRes
	_, err := m.exchange(ctx, StepPaymentDetails, protocol.TypePaymentDetailsReq, protocol.PaymentDetailsReq{
		EMAID:         cred.EMAID,
		ContractChain: cred.Chain,
	}, &res)
	if err != nil {
		return err
	}
	if len(res.GenChallenge) == 0 {
		return v2g.Malformed(StepPaymentDetails, errors.New("missing challenge"))
	}
	m.rec.GenChallenge = res.GenChallenge
	return m.rec.Advance(session.PhasePaymentDetailsProvided)
}

func (m *Machine) authorization(ctx context.Context) error {
	req := protocol.AuthorizationReq{}
	if m.rec.PaymentOption == protocol.PaymentContract {
		sig, err := m.rec.Credential.Sign(m.rec.GenChallenge)
		if err != nil {
			return v2g.Local(StepAuthorization, err)
		}
		req.GenChallenge = m.rec.GenChallenge
		req.Signature = sig
	}
	err := m.untilFinished(ctx, StepAuthorization, func(ctx context.Context) (bool, error) {
		var res protocol.AuthorizationRes
		if _, err := m.exchange(ctx, StepAuthorization, protocol.TypeAuthorizationReq, req, &res); err != nil {
			return false, err
		}
		return res.Pending(), nil
	})
	if err != nil {
		return err
	}
	return m.rec.Advance(session.PhaseAuthorized)
}

func (m *Machine) chargeParameter(ctx context.Context) error {
	var res protocol.ChargeParameterDiscoveryRes
	err := m.untilFinished(ctx, StepChargeParameter, func(ctx context.Context) (bool, error) {
		res = protocol.ChargeParameterDiscoveryRes{}
		if _, err := m.exchange(ctx, StepChargeParameter, protocol.TypeChargeParameterDiscoveryReq, protocol.ChargeParameterDiscoveryReq{
			RequestedEnergyTransferMode: m.opts.EnergyTransferMode,
			ACEVChargeParameter:         m.opts.ChargeParameter,
		}, &res); err != nil {
			return false, err
		}
		return res.Pending(), nil
	})
	if err != nil {
		return err
	}
	if len(res.SAScheduleList) == 0 {
		return v2g.Malformed(StepChargeParameter, ErrNoSchedule)
	}
	m.schedule = res.SAScheduleList[0]
	p := m.opts.ChargeParameter
	m.rec.Parameters = session.ChargeParameters{
		EnergyTransferMode: m.opts.EnergyTransferMode,
		EAmountWh:          p.EAmountWh,
		EVMaxVoltage:       p.EVMaxVoltage,
		EVMaxCurrent:       p.EVMaxCurrent,
		EVMinCurrent:       p.EVMinCurrent,
		EVSENominalVoltage: res.ACEVSEChargeParameter.NominalVoltage,
		EVSEMaxCurrent:     res.ACEVSEChargeParameter.MaxCurrent,
		SAScheduleTupleID:  m.schedule.ID,
		PMaxW:              m.schedule.PMaxW,
	}
	return m.rec.Advance(session.PhaseParametersNegotiated)
}

func (m *Machine) powerDelivery(ctx context.Context) error {
	var res protocol.PowerDeliveryRes
	_, err := m.exchange(ctx, StepPowerDelivery, protocol.TypePowerDeliveryReq, protocol.PowerDeliveryReq{
		ChargeProgress:    protocol.ChargeProgressStart,
		SAScheduleTupleID: m.schedule.ID,
	}, &res)
	if err != nil {
		return err
	}
	return m.rec.Advance(session.PhasePowerDelivering)
}

// charging repeats status exchanges until the loop bound, a stop request, the
// context ending, or a StopCharging notification from the station.
func (m *Machine) charging(ctx context.Context) error {
	for i := 0; m.opts.ChargingLoops == 0 || i < m.opts.ChargingLoops; i++ {
		if m.stopping(ctx) {
			m.logger.Info("charging stop requested", zap.String("session_id", m.rec.ID))
			return nil
		}
		var res protocol.ChargingStatusRes
		if _, err := m.exchange(ctx, StepCharging, protocol.TypeChargingStatusReq, protocol.ChargingStatusReq{}, &res); err != nil {
			return err
		}
		if err := m.rec.Advance(session.PhaseCharging); err != nil {
			return err
		}
		m.rec.StatusExchanges++
		m.rec.MeterReadingWh = res.MeterInfo.MeterReadingWh
		m.logger.Debug("charging status",
			zap.String("session_id", m.rec.ID),
			zap.Int("exchange", m.rec.StatusExchanges),
			zap.Float64("meter_wh", res.MeterInfo.MeterReadingWh),
		)
		if res.EVSEStatus.Notification == protocol.NotificationStopCharging {
			m.logger.Info("station requested stop", zap.String("session_id", m.rec.ID))
			return nil
		}
		if m.opts.ChargingLoops != 0 && i == m.opts.ChargingLoops-1 {
			return nil
		}
		select {
		case <-time.After(m.opts.StatusInterval):
		case <-m.stop:
		case <-ctx.Done():
		}
	}
	return nil
}

func (m *Machine) stopping(ctx context.Context) bool {
	select {
	case <-m.stop:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// sessionStop runs detached from ctx so a cancelled session still ends cleanly.
func (m *Machine) sessionStop(ctx context.Context) error {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.StopTimeout)
	defer cancel()
	var res protocol.SessionStopRes
	_, err := m.exchange(stopCtx, StepSessionStop, protocol.TypeSessionStopReq,
		protocol.SessionStopReq{ChargingSession: protocol.SessionTerminate}, &res)
	if err != nil {
		return err
	}
	return m.rec.Advance(session.PhaseStopped)
}

// untilFinished repeats call while the station answers Ongoing.
func (m *Machine) untilFinished(ctx context.Context, op string, call func(context.Context) (bool, error)) error {
	for attempt := 1; ; attempt++ {
		pending, err := call(ctx)
		if err != nil {
			return err
		}
		if !pending {
			return nil
		}
		if attempt >= m.opts.OngoingRetries {
			return v2g.Timeout(op, ErrStillProcessing)
		}
		m.logger.Debug("station still processing", zap.String("step", op), zap.Int("attempt", attempt))
		select {
		case <-time.After(m.opts.OngoingInterval):
		case <-ctx.Done():
			return v2g.Classify(op, ctx.Err())
		}
	}
}

// exchange sends one request and decodes a positive response into out. It
// returns the session id carried by the response.
func (m *Machine) exchange(ctx context.Context, op, requestType string, body interface{}, out protocol.Coded) (string, error) {
	msg, err := v2g.BuildMessage(m.rec.ID, requestType, body)
	if err != nil {
		return "", v2g.Local(op, err)
	}
	stepCtx, cancel := context.WithTimeout(ctx, m.opts.StepTimeout)
	defer cancel()

	resp, err := m.conn.Exchange(stepCtx, msg)
	if err != nil {
		return "", v2g.Classify(op, err)
	}
	want, _ := protocol.ResponseType(requestType)
	if resp.Type != want {
		return "", v2g.Malformed(op, fmt.Errorf("%w: %s", ErrUnexpectedResponse, resp.Type))
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return "", v2g.Malformed(op, err)
	}
	if !protocol.IsOK(out.Code()) {
		return "", v2g.Rejected(op, out.Code())
	}
	if requestType != protocol.TypeSessionSetupReq && resp.SessionID != m.rec.ID {
		return "", v2g.Malformed(op, fmt.Errorf("session id %q, expected %q", resp.SessionID, m.rec.ID))
	}
	return resp.SessionID, nil
}

func offers(options []string, want string) bool {
	for _, o := range options {
		if o == want {
			return true
		}
	}
	return false
}
