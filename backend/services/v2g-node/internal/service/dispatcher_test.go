package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"go.uber.org/zap"

	"v2gcharge/backend/services/v2g-node/internal/events"
	"v2gcharge/backend/services/v2g-node/internal/handlers"
	"v2gcharge/backend/services/v2g-node/internal/linepower"
	"v2gcharge/backend/services/v2g-node/internal/repository"
	"v2gcharge/backend/services/v2g-node/internal/session"
	"v2gcharge/backend/services/v2g-node/internal/transport"
	"v2gcharge/backend/services/v2g-node/internal/v2g"
	"v2gcharge/backend/services/v2g-node/internal/v2g/protocol"
)

const testEVSEID = "DE*V2G*E0001"

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingPublisher) Publish(_ context.Context, ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingPublisher) count(kind events.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == kind {
			n++
		}
	}
	return n
}

type station struct {
	table  *SessionTable
	line   *linepower.Line
	pub    *recordingPublisher
	secure *SecureDispatcher
	plain  *PlainDispatcher
}

func newStation(free bool) *station {
	logger := zap.NewNop()
	table := NewSessionTable(testEVSEID)
	line := linepower.NewLine(linepower.NewLogSwitch(logger), "lo", nil)
	pub := &recordingPublisher{}
	router := v2g.NewRouter()
	handlers.Register(router, handlers.Deps{
		EVSEID:       testEVSEID,
		MeterID:      "METER-1",
		FreeCharging: free,
		Limits: handlers.Limits{
			NominalVoltage:   230,
			MaxCurrent:       16,
			Modes:            []string{protocol.EnergyACThreePhase},
			ScheduleDuration: 3600,
		},
		Authorizer: repository.AllowAll{},
		Line:       line,
		Logger:     logger,
	})
	processor := v2g.NewProcessor(v2g.NewParser(), router, table, pub, logger)
	secure, plain := NewDispatchers(processor, table, line, pub, logger)
	return &station{table: table, line: line, pub: pub, secure: secure, plain: plain}
}

func exchange(d transport.Dispatcher, peer transport.Peer, sessionID, msgType string, body interface{}, out interface{}) (protocol.Message, error) {
	req, err := v2g.BuildMessage(sessionID, msgType, body)
	if err != nil {
		return protocol.Message{}, err
	}
	raw, err := v2g.Encode(req)
	if err != nil {
		return protocol.Message{}, err
	}
	payload, err := d.Dispatch(context.Background(), peer, raw)
	if err != nil {
		return protocol.Message{}, err
	}
	var resp protocol.Message
	if err := json.Unmarshal(payload, &resp); err != nil {
		return protocol.Message{}, err
	}
	if out != nil {
		if err := json.Unmarshal(resp.Body, out); err != nil {
			return protocol.Message{}, err
		}
	}
	return resp, nil
}

func expectOK(resp protocol.Message, status protocol.Coded, err error) error {
	if err != nil {
		return err
	}
	if !protocol.IsOK(status.Code()) {
		return fmt.Errorf("%s answered %s", resp.Type, status.Code())
	}
	return nil
}

// driveFree runs a complete free session with loops status exchanges.
func driveFree(d transport.Dispatcher, peer transport.Peer, loops int) (string, error) {
	var setup protocol.SessionSetupRes
	resp, err := exchange(d, peer, "", protocol.TypeSessionSetupReq, protocol.SessionSetupReq{EVCCID: "0005B60186BD"}, &setup)
	if err := expectOK(resp, setup, err); err != nil {
		return "", err
	}
	id := resp.SessionID

	var discovery protocol.ServiceDiscoveryRes
	resp, err = exchange(d, peer, id, protocol.TypeServiceDiscoveryReq, protocol.ServiceDiscoveryReq{}, &discovery)
	if err := expectOK(resp, discovery, err); err != nil {
		return id, err
	}

	var selection protocol.PaymentServiceSelectionRes
	resp, err = exchange(d, peer, id, protocol.TypePaymentServiceSelectionReq, protocol.PaymentServiceSelectionReq{
		SelectedPaymentOption: protocol.PaymentExternalPayment,
		SelectedServices:      []int{discovery.ChargeService.ServiceID},
	}, &selection)
	if err := expectOK(resp, selection, err); err != nil {
		return id, err
	}

	var auth protocol.AuthorizationRes
	resp, err = exchange(d, peer, id, protocol.TypeAuthorizationReq, protocol.AuthorizationReq{}, &auth)
	if err := expectOK(resp, auth, err); err != nil {
		return id, err
	}

	var params protocol.ChargeParameterDiscoveryRes
	resp, err = exchange(d, peer, id, protocol.TypeChargeParameterDiscoveryReq, protocol.ChargeParameterDiscoveryReq{
		RequestedEnergyTransferMode: protocol.EnergyACThreePhase,
		ACEVChargeParameter:         protocol.ACEVChargeParameter{EAmountWh: 20000, EVMaxVoltage: 400, EVMaxCurrent: 32, EVMinCurrent: 6},
	}, &params)
	if err := expectOK(resp, params, err); err != nil {
		return id, err
	}
	if len(params.SAScheduleList) == 0 {
		return id, fmt.Errorf("no schedule offered")
	}

	var power protocol.PowerDeliveryRes
	resp, err = exchange(d, peer, id, protocol.TypePowerDeliveryReq, protocol.PowerDeliveryReq{
		ChargeProgress:    protocol.ChargeProgressStart,
		SAScheduleTupleID: params.SAScheduleList[0].ID,
	}, &power)
	if err := expectOK(resp, power, err); err != nil {
		return id, err
	}

	for i := 0; i < loops; i++ {
		var status protocol.ChargingStatusRes
		resp, err = exchange(d, peer, id, protocol.TypeChargingStatusReq, protocol.ChargingStatusReq{}, &status)
		if err := expectOK(resp, status, err); err != nil {
			return id, err
		}
	}

	var stop protocol.SessionStopRes
	resp, err = exchange(d, peer, id, protocol.TypeSessionStopReq, protocol.SessionStopReq{ChargingSession: protocol.SessionTerminate}, &stop)
	return id, expectOK(resp, stop, err)
}

func viewOf(t *testing.T, table *SessionTable, id string) SessionView {
	t.Helper()
	for _, v := range table.Snapshot() {
		if v.ID == id {
			return v
		}
	}
	t.Fatalf("session %s not in table", id)
	return SessionView{}
}

func TestFreeSessionOverPlainDispatcher(t *testing.T) {
	st := newStation(true)
	peer := transport.Peer{ID: "conn-1", Remote: "127.0.0.1:50000"}

	id, err := driveFree(st.plain, peer, 2)
	if err != nil {
		t.Fatalf("session failed: %v", err)
	}
	view := viewOf(t, st.table, id)
	if view.Phase != session.PhaseStopped.String() || view.StatusExchanges != 2 || !view.ChargingIsFree {
		t.Fatalf("unexpected final view %+v", view)
	}
	if st.line.Energized() {
		t.Fatalf("line must be off after session stop")
	}

	st.plain.Release(context.Background(), peer)
	if st.table.Len() != 0 {
		t.Fatalf("release must destroy the session")
	}
	if st.pub.count(events.TypeSessionOpened) != 1 || st.pub.count(events.TypeSessionClosed) != 1 {
		t.Fatalf("expected one opened and one closed event")
	}
}

func TestParallelSessionsMatchSequential(t *testing.T) {
	const sessions = 8

	sequential := newStation(true)
	var want []SessionView
	for i := 0; i < sessions; i++ {
		id, err := driveFree(sequential.secure, transport.Peer{ID: fmt.Sprintf("seq-%d", i), Secure: true}, 3)
		if err != nil {
			t.Fatalf("sequential session %d: %v", i, err)
		}
		want = append(want, viewOf(t, sequential.table, id))
	}

	parallel := newStation(true)
	ids := make([]string, sessions)
	errs := make([]error, sessions)
	var wg sync.WaitGroup
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = driveFree(parallel.secure, transport.Peer{ID: fmt.Sprintf("par-%d", i), Secure: true}, 3)
		}(i)
	}
	wg.Wait()

	for i := 0; i < sessions; i++ {
		if errs[i] != nil {
			t.Fatalf("parallel session %d: %v", i, errs[i])
		}
		got := viewOf(t, parallel.table, ids[i])
		if got.Phase != want[i].Phase || got.StatusExchanges != want[i].StatusExchanges || got.PaymentOption != want[i].PaymentOption {
			t.Fatalf("session %d diverged: got %+v want %+v", i, got, want[i])
		}
	}
	if parallel.table.Len() != sessions {
		t.Fatalf("expected %d distinct sessions, got %d", sessions, parallel.table.Len())
	}
}

func TestPaymentOptionsDependOnTransport(t *testing.T) {
	st := newStation(false)

	offered := func(d transport.Dispatcher, peer transport.Peer) (string, []string) {
		resp, err := exchange(d, peer, "", protocol.TypeSessionSetupReq, protocol.SessionSetupReq{}, nil)
		if err != nil {
			t.Fatalf("setup: %v", err)
		}
		var discovery protocol.ServiceDiscoveryRes
		if _, err := exchange(d, peer, resp.SessionID, protocol.TypeServiceDiscoveryReq, protocol.ServiceDiscoveryReq{}, &discovery); err != nil {
			t.Fatalf("discovery: %v", err)
		}
		return resp.SessionID, discovery.PaymentOptions
	}

	_, secureOptions := offered(st.secure, transport.Peer{ID: "tls", Secure: true})
	if len(secureOptions) != 2 {
		t.Fatalf("tls listener should offer contract and external payment, got %v", secureOptions)
	}

	plainPeer := transport.Peer{ID: "tcp"}
	id, plainOptions := offered(st.plain, plainPeer)
	if len(plainOptions) != 1 || plainOptions[0] != protocol.PaymentExternalPayment {
		t.Fatalf("plain listener should offer external payment only, got %v", plainOptions)
	}

	var selection protocol.PaymentServiceSelectionRes
	if _, err := exchange(st.plain, plainPeer, id, protocol.TypePaymentServiceSelectionReq, protocol.PaymentServiceSelectionReq{
		SelectedPaymentOption: protocol.PaymentContract,
		SelectedServices:      []int{1},
	}, &selection); err != nil {
		t.Fatalf("selection: %v", err)
	}
	if selection.Code() != protocol.ResponseFailedPaymentSelectionInvalid {
		t.Fatalf("contract must be refused on plain transport, got %s", selection.Code())
	}
}

func TestReleaseDuringDeliveryDropsLinePower(t *testing.T) {
	st := newStation(true)
	peer := transport.Peer{ID: "conn-1"}

	d := st.plain
	var setup protocol.SessionSetupRes
	resp, err := exchange(d, peer, "", protocol.TypeSessionSetupReq, protocol.SessionSetupReq{}, &setup)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	id := resp.SessionID
	steps := []struct {
		msgType string
		body    interface{}
	}{
		{protocol.TypeServiceDiscoveryReq, protocol.ServiceDiscoveryReq{}},
		{protocol.TypePaymentServiceSelectionReq, protocol.PaymentServiceSelectionReq{SelectedPaymentOption: protocol.PaymentExternalPayment, SelectedServices: []int{1}}},
		{protocol.TypeAuthorizationReq, protocol.AuthorizationReq{}},
		{protocol.TypeChargeParameterDiscoveryReq, protocol.ChargeParameterDiscoveryReq{RequestedEnergyTransferMode: protocol.EnergyACThreePhase, ACEVChargeParameter: protocol.ACEVChargeParameter{EVMaxCurrent: 16, EVMaxVoltage: 400}}},
	}
	for _, s := range steps {
		if _, err := exchange(d, peer, id, s.msgType, s.body, nil); err != nil {
			t.Fatalf("%s: %v", s.msgType, err)
		}
	}
	if view := viewOf(t, st.table, id); view.Phase != session.PhaseParametersNegotiated.String() {
		t.Fatalf("unexpected phase %s", view.Phase)
	}
	var power protocol.PowerDeliveryRes
	if _, err := exchange(d, peer, id, protocol.TypePowerDeliveryReq, protocol.PowerDeliveryReq{ChargeProgress: protocol.ChargeProgressStart, SAScheduleTupleID: 1}, &power); err != nil {
		t.Fatalf("power delivery: %v", err)
	}
	if !protocol.IsOK(power.Code()) || !st.line.Energized() {
		t.Fatalf("expected energized line, got %s", power.Code())
	}

	// connection dropped while energy flows
	d.Release(context.Background(), peer)
	if st.line.Energized() {
		t.Fatalf("connection loss must de-energize the line")
	}
	// a second release is a no-op
	d.Release(context.Background(), peer)
	if st.pub.count(events.TypeSessionClosed) != 1 {
		t.Fatalf("expected exactly one close event")
	}
}

func TestFailedSetupLeavesConnectionFree(t *testing.T) {
	st := newStation(true)
	peer := transport.Peer{ID: "conn-setup", Remote: "127.0.0.1:50001"}

	var setup protocol.SessionSetupRes
	resp, err := exchange(st.plain, peer, "", protocol.TypeSessionSetupReq, "not a setup body", &setup)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if protocol.IsOK(setup.Code()) {
		t.Fatalf("expected undecodable setup to fail, got %s", setup.Code())
	}
	if resp.SessionID != "" {
		t.Fatalf("failed setup must not hand out a session id, got %q", resp.SessionID)
	}
	if st.table.Len() != 0 {
		t.Fatalf("failed setup left %d sessions in the table", st.table.Len())
	}
	if st.pub.count(events.TypeSessionOpened) != 0 {
		t.Fatalf("failed setup published a session opened event")
	}

	resp, err = exchange(st.plain, peer, "", protocol.TypeSessionSetupReq, protocol.SessionSetupReq{EVCCID: "0005B60186BD"}, &setup)
	if err := expectOK(resp, setup, err); err != nil {
		t.Fatalf("retry on the same connection: %v", err)
	}
	if resp.SessionID == "" || st.table.Len() != 1 {
		t.Fatalf("retry did not open a session: id %q, len %d", resp.SessionID, st.table.Len())
	}
}

func startDelivery(t *testing.T, d transport.Dispatcher, peer transport.Peer) string {
	t.Helper()
	resp, err := exchange(d, peer, "", protocol.TypeSessionSetupReq, protocol.SessionSetupReq{EVCCID: peer.ID}, nil)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	id := resp.SessionID
	steps := []struct {
		msgType string
		body    interface{}
	}{
		{protocol.TypeServiceDiscoveryReq, protocol.ServiceDiscoveryReq{}},
		{protocol.TypePaymentServiceSelectionReq, protocol.PaymentServiceSelectionReq{SelectedPaymentOption: protocol.PaymentExternalPayment, SelectedServices: []int{1}}},
		{protocol.TypeAuthorizationReq, protocol.AuthorizationReq{}},
		{protocol.TypeChargeParameterDiscoveryReq, protocol.ChargeParameterDiscoveryReq{RequestedEnergyTransferMode: protocol.EnergyACThreePhase, ACEVChargeParameter: protocol.ACEVChargeParameter{EVMaxCurrent: 16, EVMaxVoltage: 400}}},
	}
	for _, s := range steps {
		if _, err := exchange(d, peer, id, s.msgType, s.body, nil); err != nil {
			t.Fatalf("%s: %v", s.msgType, err)
		}
	}
	var power protocol.PowerDeliveryRes
	if _, err := exchange(d, peer, id, protocol.TypePowerDeliveryReq, protocol.PowerDeliveryReq{ChargeProgress: protocol.ChargeProgressStart, SAScheduleTupleID: 1}, &power); err != nil {
		t.Fatalf("power delivery: %v", err)
	}
	if !protocol.IsOK(power.Code()) {
		t.Fatalf("power delivery answered %s", power.Code())
	}
	return id
}

func TestLineStaysOnWhileAnotherSessionCharges(t *testing.T) {
	st := newStation(true)
	first := transport.Peer{ID: "conn-a"}
	second := transport.Peer{ID: "conn-b"}
	startDelivery(t, st.plain, first)
	secondID := startDelivery(t, st.plain, second)
	if st.line.Holders() != 2 {
		t.Fatalf("expected two holders, got %d", st.line.Holders())
	}

	st.plain.Release(context.Background(), first)
	if !st.line.Energized() {
		t.Fatalf("losing one session must not cut the other one's power")
	}

	var stop protocol.SessionStopRes
	resp, err := exchange(st.plain, second, secondID, protocol.TypeSessionStopReq, protocol.SessionStopReq{ChargingSession: protocol.SessionTerminate}, &stop)
	if err := expectOK(resp, stop, err); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if st.line.Energized() {
		t.Fatalf("line must be off after the last session stops")
	}
}
