package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"wagerchain/core/events"
	"wagerchain/core/state"
	"wagerchain/native/factory"
	"wagerchain/observability/metrics"
	"wagerchain/storage"
)

const (
	testSecret = "rpc-test-secret-0123456789"
	testIssuer = "rpc-tests"
	testNow    = int64(1_700_000_000)
)

var (
	factoryAddr  = common.HexToAddress("0x000000000000000000000000000000000000fac7")
	ownerAddr    = common.HexToAddress("0x000000000000000000000000000000000000000e")
	treasuryAddr = common.HexToAddress("0x00000000000000000000000000000000000000fe")
	tokenAddr    = common.HexToAddress("0x0000000000000000000000000000000000000070")
	alice        = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob          = common.HexToAddress("0x00000000000000000000000000000000000000b0")
)

type testEnv struct {
	ledger  *state.Manager
	factory *factory.Factory
	server  *httptest.Server
}

func newTestEnv(t *testing.T, limit RateLimit) *testEnv {
	t.Helper()
	ledger := state.NewManager(storage.NewMemDB())
	recorder := events.NewRecorder(0)
	registry := prometheus.NewRegistry()
	m := metrics.NewWagerMetrics(registry)
	ledger.SetEmitter(events.MultiEmitter{recorder, m})

	if err := ledger.Run(context.Background(), func(ctx context.Context, tx *state.Tx) error {
		if err := tx.RegisterToken(tokenAddr, "USDW", 6); err != nil {
			return err
		}
		for _, who := range []common.Address{alice, bob} {
			if err := tx.Mint(who, uint256.NewInt(10_000)); err != nil {
				return err
			}
			if err := tx.MintToken(tokenAddr, who, uint256.NewInt(10_000)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("seed ledger: %v", err)
	}

	f, err := factory.New(context.Background(), ledger, factory.Config{
		Address:      factoryAddr,
		Owner:        ownerAddr,
		FeeBps:       100,
		FeeRecipient: treasuryAddr,
		Now:          func() int64 { return testNow },
	})
	if err != nil {
		t.Fatalf("new factory: %v", err)
	}
	if limit.RequestsPerMinute == 0 {
		limit = RateLimit{RequestsPerMinute: 6_000, Burst: 1_000}
	}
	srv, err := NewServer(ledger, f, ServerConfig{
		Auth:      AuthConfig{HMACSecret: testSecret, Issuer: testIssuer},
		RateLimit: limit,
		Recorder:  recorder,
		Metrics:   m,
		Gatherer:  registry,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{ledger: ledger, factory: f, server: ts}
}

func tokenFor(t *testing.T, who common.Address) string {
	t.Helper()
	token, err := IssueToken(testSecret, testIssuer, who, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

type rpcReply struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	} `json:"error"`
}

func (e *testEnv) call(t *testing.T, bearer, method string, params interface{}) (int, rpcReply) {
	t.Helper()
	req := map[string]interface{}{"jsonrpc": "2.0", "id": 1, "method": method}
	if params != nil {
		req["params"] = []interface{}{params}
	}
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	httpReq, err := http.NewRequest(http.MethodPost, e.server.URL+"/rpc", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		httpReq.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	var reply rpcReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	return resp.StatusCode, reply
}

func (e *testEnv) mustCall(t *testing.T, bearer, method string, params interface{}, out interface{}) {
	t.Helper()
	status, reply := e.call(t, bearer, method, params)
	if reply.Error != nil {
		t.Fatalf("%s failed (%d): %d %s %s", method, status, reply.Error.Code, reply.Error.Message, reply.Error.Data)
	}
	if out != nil {
		if err := json.Unmarshal(reply.Result, out); err != nil {
			t.Fatalf("decode %s result: %v", method, err)
		}
	}
}

func errorCode(t *testing.T, reply rpcReply) (int, string) {
	t.Helper()
	if reply.Error == nil {
		t.Fatalf("expected error, got result %s", reply.Result)
	}
	var data ErrorData
	_ = json.Unmarshal(reply.Error.Data, &data)
	return reply.Error.Code, data.Code
}

func (e *testEnv) balance(t *testing.T, who common.Address) string {
	t.Helper()
	var out balanceResult
	e.mustCall(t, "", "ledger_balance", map[string]string{"address": who.Hex()}, &out)
	return out.Balance
}

func TestNativeBetOverRPC(t *testing.T) {
	env := newTestEnv(t, RateLimit{})
	aliceToken, bobToken := tokenFor(t, alice), tokenFor(t, bob)

	var created createBetResult
	env.mustCall(t, aliceToken, "wager_createBet", map[string]interface{}{
		"currency": "native",
		"stake":    "1000",
		"deadline": testNow + 60,
		"value":    "1000",
	}, &created)
	if created.BetID != 1 {
		t.Fatalf("expected bet id 1, got %d", created.BetID)
	}

	var escrowOf map[string]string
	env.mustCall(t, "", "factory_escrowOf", map[string]uint64{"betId": 1}, &escrowOf)
	if escrowOf["escrow"] != created.Escrow {
		t.Fatalf("registry mismatch: %s vs %s", escrowOf["escrow"], created.Escrow)
	}

	var joined escrowJSON
	env.mustCall(t, bobToken, "wager_join", map[string]string{"escrow": created.Escrow, "value": "1000"}, &joined)
	if joined.Status != "joined" || joined.Opponent == nil || *joined.Opponent != bob.Hex() || joined.Held != "2000" {
		t.Fatalf("unexpected joined escrow: %+v", joined)
	}

	var settled escrowJSON
	env.mustCall(t, aliceToken, "wager_admitLoss", map[string]string{"escrow": created.Escrow, "winner": bob.Hex()}, &settled)
	if settled.Status != "settled" || settled.Winner == nil || *settled.Winner != bob.Hex() {
		t.Fatalf("unexpected settled escrow: %+v", settled)
	}
	if *settled.Payout != "1980" || *settled.Fee != "20" || settled.Held != "0" {
		t.Fatalf("unexpected split: payout %s fee %s held %s", *settled.Payout, *settled.Fee, settled.Held)
	}
	if got := env.balance(t, bob); got != "10980" {
		t.Fatalf("unexpected winner balance %s", got)
	}
	if got := env.balance(t, treasuryAddr); got != "20" {
		t.Fatalf("unexpected treasury balance %s", got)
	}

	var listed []eventJSON
	env.mustCall(t, "", "wager_events", map[string]interface{}{"prefix": "escrow."}, &listed)
	types := make([]string, 0, len(listed))
	for _, evt := range listed {
		types = append(types, evt.Type)
	}
	if strings.Join(types, ",") != "escrow.created,escrow.joined,escrow.settled" {
		t.Fatalf("unexpected escrow events %v", types)
	}
}

func TestTokenBetOverRPC(t *testing.T) {
	env := newTestEnv(t, RateLimit{})
	aliceToken, bobToken := tokenFor(t, alice), tokenFor(t, bob)

	env.mustCall(t, aliceToken, "token_approve", map[string]string{
		"token": tokenAddr.Hex(), "spender": factoryAddr.Hex(), "amount": "500",
	}, nil)
	var created createBetResult
	env.mustCall(t, aliceToken, "wager_createBet", map[string]interface{}{
		"currency": tokenAddr.Hex(),
		"stake":    "500",
		"opponent": bob.Hex(),
		"deadline": testNow + 60,
	}, &created)

	env.mustCall(t, bobToken, "token_approve", map[string]string{
		"token": tokenAddr.Hex(), "spender": created.Escrow, "amount": "500",
	}, nil)
	var allowance map[string]string
	env.mustCall(t, "", "token_allowance", map[string]string{
		"token": tokenAddr.Hex(), "owner": bob.Hex(), "spender": created.Escrow,
	}, &allowance)
	if allowance["allowance"] != "500" {
		t.Fatalf("unexpected allowance %v", allowance)
	}

	var joined escrowJSON
	env.mustCall(t, bobToken, "wager_join", map[string]string{"escrow": created.Escrow}, &joined)
	if joined.Currency != tokenAddr.Hex() || joined.Held != "1000" {
		t.Fatalf("unexpected token escrow: %+v", joined)
	}

	var held balanceResult
	env.mustCall(t, "", "ledger_balance", map[string]string{"address": created.Escrow, "token": tokenAddr.Hex()}, &held)
	if held.Balance != "1000" {
		t.Fatalf("unexpected escrow token balance %s", held.Balance)
	}
}

func TestMutatingMethodsRequireToken(t *testing.T) {
	env := newTestEnv(t, RateLimit{})
	params := map[string]interface{}{"stake": "1", "deadline": testNow + 60, "value": "1"}

	status, reply := env.call(t, "", "wager_createBet", params)
	if status != http.StatusUnauthorized || reply.Error == nil || reply.Error.Code != codeUnauthorized {
		t.Fatalf("expected 401 without token, got %d %+v", status, reply.Error)
	}

	forged, err := IssueToken("another-secret-entirely", testIssuer, alice, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if status, _ := env.call(t, forged, "wager_createBet", params); status != http.StatusUnauthorized {
		t.Fatalf("expected forged token to be rejected, got %d", status)
	}

	expired, err := IssueToken(testSecret, testIssuer, alice, time.Minute, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if status, _ := env.call(t, expired, "wager_createBet", params); status != http.StatusUnauthorized {
		t.Fatalf("expected expired token to be rejected, got %d", status)
	}

	wrongIssuer, err := IssueToken(testSecret, "someone-else", alice, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if status, _ := env.call(t, wrongIssuer, "wager_createBet", params); status != http.StatusUnauthorized {
		t.Fatalf("expected foreign issuer to be rejected, got %d", status)
	}

	if total := env.factory.TotalEscrows(context.Background()); total != 0 {
		t.Fatalf("expected no bets, got %d", total)
	}
}

func TestDomainErrorsCarryCodes(t *testing.T) {
	env := newTestEnv(t, RateLimit{})
	aliceToken := tokenFor(t, alice)

	var created createBetResult
	env.mustCall(t, aliceToken, "wager_createBet", map[string]interface{}{
		"stake": "100", "deadline": testNow + 60, "value": "100",
	}, &created)

	cases := []struct {
		name     string
		bearer   string
		method   string
		params   interface{}
		status   int
		rpcCode  int
		codeName string
	}{
		{"creator joins own bet", aliceToken, "wager_join", map[string]string{"escrow": created.Escrow, "value": "100"}, http.StatusForbidden, codeUnauthorized, "InvalidJoiner"},
		{"settle before join", aliceToken, "wager_admitLoss", map[string]string{"escrow": created.Escrow, "winner": bob.Hex()}, http.StatusConflict, codeStateConflict, "NotActive"},
		{"refund before deadline", aliceToken, "wager_refundIfNoJoin", map[string]string{"escrow": created.Escrow}, http.StatusBadRequest, codeInvalidParams, "DeadlineNotReached"},
		{"stake mismatch", tokenFor(t, bob), "wager_join", map[string]string{"escrow": created.Escrow, "value": "99"}, http.StatusBadRequest, codeInvalidParams, "StakeMismatch"},
		{"unfunded join", tokenFor(t, common.HexToAddress("0xc0")), "wager_join", map[string]string{"escrow": created.Escrow, "value": "100"}, http.StatusUnprocessableEntity, codeTransferFailed, "FundingFailed"},
		{"fee by non-owner", aliceToken, "factory_setFeeBps", map[string]uint16{"feeBps": 10}, http.StatusForbidden, codeUnauthorized, "NotOwner"},
		{"fee too high", tokenFor(t, ownerAddr), "factory_setFeeBps", map[string]uint16{"feeBps": factory.MaxFeeBps + 1}, http.StatusBadRequest, codeInvalidParams, "FeeTooHigh"},
		{"unknown bet", "", "factory_escrowOf", map[string]uint64{"betId": 42}, http.StatusBadRequest, codeInvalidParams, "UnknownBet"},
		{"deadline in past", aliceToken, "wager_createBet", map[string]interface{}{"stake": "1", "deadline": testNow, "value": "1"}, http.StatusBadRequest, codeInvalidParams, "DeadlineInPast"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, reply := env.call(t, tc.bearer, tc.method, tc.params)
			code, name := errorCode(t, reply)
			if status != tc.status || code != tc.rpcCode || name != tc.codeName {
				t.Fatalf("expected %d/%d/%s, got %d/%d/%s", tc.status, tc.rpcCode, tc.codeName, status, code, name)
			}
		})
	}

	var info escrowJSON
	env.mustCall(t, "", "wager_info", map[string]string{"escrow": created.Escrow}, &info)
	if info.Status != "open" || info.Held != "100" {
		t.Fatalf("failed calls must leave the escrow untouched: %+v", info)
	}
}

func TestFactoryAdministration(t *testing.T) {
	env := newTestEnv(t, RateLimit{})
	ownerToken := tokenFor(t, ownerAddr)

	var info feeInfoResult
	env.mustCall(t, ownerToken, "factory_setFeeBps", map[string]uint16{"feeBps": 250}, &info)
	if info.FeeBps != 250 {
		t.Fatalf("unexpected fee info %+v", info)
	}
	env.mustCall(t, ownerToken, "factory_setFeeRecipient", map[string]string{"recipient": bob.Hex()}, &info)
	if info.Recipient != bob.Hex() {
		t.Fatalf("unexpected recipient %s", info.Recipient)
	}
	env.mustCall(t, ownerToken, "factory_transferOwnership", map[string]string{"owner": alice.Hex()}, &info)
	if info.Owner != alice.Hex() {
		t.Fatalf("unexpected owner %s", info.Owner)
	}
	status, reply := env.call(t, ownerToken, "factory_setFeeBps", map[string]uint16{"feeBps": 1})
	if _, name := errorCode(t, reply); status != http.StatusForbidden || name != "NotOwner" {
		t.Fatalf("expected previous owner to lose access, got %d %s", status, name)
	}

	env.mustCall(t, "", "factory_feeInfo", nil, &info)
	if info.FeeBps != 250 || info.Owner != alice.Hex() {
		t.Fatalf("unexpected fee info %+v", info)
	}

	aliceToken := tokenFor(t, alice)
	for i := 0; i < 3; i++ {
		env.mustCall(t, aliceToken, "wager_createBet", map[string]interface{}{
			"stake": "10", "deadline": testNow + 60, "value": "10",
		}, nil)
	}
	var total map[string]uint64
	env.mustCall(t, "", "factory_totalEscrows", nil, &total)
	if total["total"] != 3 {
		t.Fatalf("unexpected total %v", total)
	}
	var page []string
	env.mustCall(t, "", "factory_escrows", map[string]int{"offset": 1, "limit": 5}, &page)
	if len(page) != 2 {
		t.Fatalf("expected two escrows after offset 1, got %v", page)
	}
}

func TestRequestValidation(t *testing.T) {
	env := newTestEnv(t, RateLimit{})

	status, reply := env.call(t, "", "wager_unknown", nil)
	if status != http.StatusNotFound || reply.Error == nil || reply.Error.Code != codeMethodNotFound {
		t.Fatalf("expected method not found, got %d %+v", status, reply.Error)
	}

	status, reply = env.call(t, "", "wager_info", map[string]string{"escrow": "not-an-address"})
	if status != http.StatusBadRequest || reply.Error == nil || reply.Error.Code != codeInvalidParams {
		t.Fatalf("expected invalid params, got %d %+v", status, reply.Error)
	}

	status, reply = env.call(t, "", "wager_info", map[string]string{"escrow": alice.Hex(), "extra": "x"})
	if status != http.StatusBadRequest || reply.Error == nil || reply.Error.Code != codeInvalidParams {
		t.Fatalf("expected unknown field to be rejected, got %d %+v", status, reply.Error)
	}

	status, reply = env.call(t, "", "ledger_balance", map[string]string{"address": alice.Hex(), "token": bob.Hex()})
	if status != http.StatusBadRequest || reply.Error == nil || reply.Error.Code != codeInvalidParams {
		t.Fatalf("expected unknown token to be a caller error, got %d %+v", status, reply.Error)
	}

	resp, err := http.Post(env.server.URL+"/rpc", "application/json", strings.NewReader("{"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected parse failure status, got %d", resp.StatusCode)
	}
	if resp.Header.Get(headerRequestID) == "" {
		t.Fatalf("expected request id header")
	}
}

func TestRateLimitRejectsBursts(t *testing.T) {
	env := newTestEnv(t, RateLimit{RequestsPerMinute: 1, Burst: 1})
	if status, _ := env.call(t, "", "factory_feeInfo", nil); status != http.StatusOK {
		t.Fatalf("expected first call to pass, got %d", status)
	}
	status, reply := env.call(t, "", "factory_feeInfo", nil)
	if status != http.StatusTooManyRequests || reply.Error == nil || reply.Error.Code != codeRateLimited {
		t.Fatalf("expected 429, got %d %+v", status, reply.Error)
	}
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	env := newTestEnv(t, RateLimit{})
	env.mustCall(t, "", "factory_feeInfo", nil, nil)

	resp, err := http.Get(env.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected healthz status %d", resp.StatusCode)
	}

	resp, err = http.Get(env.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	if !strings.Contains(string(body), `wager_rpc_requests_total{method="factory_feeInfo",outcome="ok"} 1`) {
		t.Fatalf("expected rpc counter in metrics output:\n%s", body)
	}
}

func TestHandlerRecordsServerSpans(t *testing.T) {
	spans := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans)))

	env := newTestEnv(t, RateLimit{})
	env.mustCall(t, "", "factory_feeInfo", nil, nil)

	ended := spans.Ended()
	if len(ended) == 0 {
		t.Fatalf("expected a server span for the rpc call")
	}
	if name := ended[len(ended)-1].Name(); name != "wagerd.rpc" {
		t.Fatalf("unexpected span name %q", name)
	}
}
