package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/crowdfund/internal/journal"
	"github.com/MarkoPoloResearchLab/crowdfund/internal/metrics"
	"github.com/MarkoPoloResearchLab/crowdfund/internal/wallet"
	"github.com/MarkoPoloResearchLab/crowdfund/pkg/crowdfund"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

var (
	testOwner   = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	testFunder  = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	testNow     = time.Unix(1_700_000_000, 0)
	errTestRead = errors.New("node unreachable")
)

type fakeClient struct {
	mu            sync.Mutex
	snapshot      crowdfund.ContractSnapshot
	loaded        bool
	session       crowdfund.Session
	refreshErr    error
	refreshCalls  int
	outcome       crowdfund.Outcome
	outcomeErr    error
	lastAmount    string
	lastAddress   string
	lastConfirmed *bool
}

func (client *fakeClient) Snapshot() (crowdfund.ContractSnapshot, bool) {
	client.mu.Lock()
	defer client.mu.Unlock()
	return client.snapshot, client.loaded
}

func (client *fakeClient) Session() crowdfund.Session {
	return client.session
}

func (client *fakeClient) Pending() (crowdfund.PendingOperation, crowdfund.TxPhase) {
	return crowdfund.PendingNone, crowdfund.PhaseIdle
}

func (client *fakeClient) LastStatus() crowdfund.OperationStatus {
	return crowdfund.OperationStatus{Kind: crowdfund.StatusInfo, Message: "Data refreshed"}
}

func (client *fakeClient) Refresh(context.Context) (crowdfund.ContractSnapshot, error) {
	client.mu.Lock()
	defer client.mu.Unlock()
	client.refreshCalls++
	if client.refreshErr != nil {
		return crowdfund.ContractSnapshot{}, client.refreshErr
	}
	client.loaded = true
	return client.snapshot, nil
}

func (client *fakeClient) Fund(_ context.Context, amount string) (crowdfund.Outcome, error) {
	client.lastAmount = amount
	return client.outcome, client.outcomeErr
}

func (client *fakeClient) WithdrawSome(_ context.Context, amount string, confirm crowdfund.Confirmation) (crowdfund.Outcome, error) {
	client.lastAmount = amount
	if confirm != nil {
		answer := confirm("withdraw")
		client.lastConfirmed = &answer
	}
	return client.outcome, client.outcomeErr
}

func (client *fakeClient) WithdrawAll(_ context.Context, confirm crowdfund.Confirmation) (crowdfund.Outcome, error) {
	return client.confirmed(confirm, crowdfund.PendingWithdrawingAll)
}

func (client *fakeClient) EndFunding(_ context.Context, confirm crowdfund.Confirmation) (crowdfund.Outcome, error) {
	return client.confirmed(confirm, crowdfund.PendingEndingFunding)
}

func (client *fakeClient) CheckAddress(_ context.Context, address string) (crowdfund.Outcome, error) {
	client.lastAddress = address
	return client.outcome, client.outcomeErr
}

func (client *fakeClient) confirmed(confirm crowdfund.Confirmation, pending crowdfund.PendingOperation) (crowdfund.Outcome, error) {
	answer := confirm != nil && confirm("irreversible")
	client.lastConfirmed = &answer
	if !answer {
		return crowdfund.Outcome{Kind: crowdfund.StatusFailure, Message: "Action cancelled", Operation: pending}, crowdfund.ErrActionDeclined
	}
	return client.outcome, client.outcomeErr
}

type fakeHistory struct {
	entries   []journal.Entry
	err       error
	lastLimit int
}

func (history *fakeHistory) Recent(_ context.Context, limit int) ([]journal.Entry, error) {
	history.lastLimit = limit
	return history.entries, history.err
}

func newTestServer(test *testing.T, client *fakeClient, history History) (*httptest.Server, Config, *metrics.Metrics) {
	test.Helper()
	return newTestServerWithDependencies(test, Dependencies{Client: client, History: history})
}

func newTestServerWithDependencies(test *testing.T, deps Dependencies) (*httptest.Server, Config, *metrics.Metrics) {
	test.Helper()
	gin.SetMode(gin.TestMode)
	cfg := Config{
		SessionSigningKey: "secret-key",
		ActionTimeout:     2 * time.Second,
		ReadTimeout:       time.Second,
	}
	require.NoError(test, cfg.Validate())

	registry := prometheus.NewRegistry()
	collector := metrics.New(registry)
	deps.Now = func() time.Time { return testNow }
	handler := newHandler(cfg, deps, zap.NewNop())
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	require.NoError(test, err)

	server := httptest.NewServer(setupRouter(cfg, handler, validator, collector, registry))
	test.Cleanup(server.Close)
	return server, cfg, collector
}

func buildSessionCookie(test *testing.T, cfg Config) *http.Cookie {
	claims := &sessionvalidator.Claims{
		UserID:          "operator-1",
		UserEmail:       "operator@example.com",
		UserDisplayName: "Operator",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.SessionIssuer,
			IssuedAt:  jwt.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(cfg.SessionSigningKey))
	require.NoError(test, err)
	return &http.Cookie{Name: cfg.SessionCookieName, Value: signed}
}

func execRequest(test *testing.T, server *httptest.Server, method string, path string, cookie *http.Cookie, payload any) (int, map[string]any) {
	test.Helper()
	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(test, err)
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}
	request, err := http.NewRequest(method, server.URL+path, body)
	require.NoError(test, err)
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if cookie != nil {
		request.AddCookie(cookie)
	}
	response, err := server.Client().Do(request)
	require.NoError(test, err)
	defer response.Body.Close()

	decoded := map[string]any{}
	if response.ContentLength != 0 {
		_ = json.NewDecoder(response.Body).Decode(&decoded)
	}
	return response.StatusCode, decoded
}

func loadedSnapshot(test *testing.T) crowdfund.ContractSnapshot {
	test.Helper()
	goal, err := crowdfund.ToBaseUnits("1000")
	require.NoError(test, err)
	total, err := crowdfund.ToBaseUnits("950")
	require.NoError(test, err)
	return crowdfund.ContractSnapshot{
		GoalAmount:   goal,
		TotalFunded:  total,
		EndTime:      testNow.Unix() + 2*3600 + 15*60,
		IsStarted:    true,
		OwnerAddress: testOwner,
	}
}

func TestSnapshotIsPublicAndDerived(test *testing.T) {
	account := testFunder
	client := &fakeClient{
		snapshot: loadedSnapshot(test),
		loaded:   true,
		session:  crowdfund.Session{Account: &account, CallerBalance: crowdfund.BaseUnitsFromUint64(5_000_000_000_000_000_000)},
	}
	server, _, _ := newTestServer(test, client, nil)

	status, body := execRequest(test, server, http.MethodGet, "/api/snapshot", nil, nil)
	require.Equal(test, http.StatusOK, status)

	snapshot := body["snapshot"].(map[string]any)
	assert.Equal(test, "950.0", snapshot["total_funded"])
	assert.Equal(test, "1000.0", snapshot["goal_amount"])
	assert.Equal(test, "95.0%", snapshot["progress_display"])
	assert.Equal(test, string(crowdfund.BandNearGoal), snapshot["progress_band"])
	assert.Equal(test, "2h 15m", snapshot["time_remaining"])
	assert.Equal(test, testOwner.Hex(), snapshot["owner"])

	session := body["session"].(map[string]any)
	assert.Equal(test, account.Hex(), session["account"])
	assert.Equal(test, "5.0", session["caller_balance"])
	assert.Equal(test, false, session["is_owner"])
	assert.Equal(test, 0, client.refreshCalls)
}

func TestSnapshotRefreshesWhenNotLoaded(test *testing.T) {
	client := &fakeClient{snapshot: loadedSnapshot(test)}
	server, _, _ := newTestServer(test, client, nil)

	status, body := execRequest(test, server, http.MethodGet, "/api/snapshot", nil, nil)
	require.Equal(test, http.StatusOK, status)
	assert.Equal(test, 1, client.refreshCalls)
	assert.Equal(test, true, body["snapshot"].(map[string]any)["loaded"])

	failing := &fakeClient{refreshErr: fmt.Errorf("%w: %w", crowdfund.ErrRefreshFailed, errTestRead)}
	failingServer, _, _ := newTestServer(test, failing, nil)
	status, body = execRequest(test, failingServer, http.MethodGet, "/api/snapshot", nil, nil)
	assert.Equal(test, http.StatusBadGateway, status)
	assert.Equal(test, errorCodeUpstream, body["error"].(map[string]any)["code"])
}

func TestMutatingRoutesRequireSession(test *testing.T) {
	client := &fakeClient{}
	server, _, _ := newTestServer(test, client, nil)

	for _, path := range []string{"/api/fund", "/api/withdraw", "/api/withdraw-all", "/api/end", "/api/balance", "/api/refresh"} {
		status, _ := execRequest(test, server, http.MethodPost, path, nil, map[string]any{"amount": "1"})
		assert.Equal(test, http.StatusUnauthorized, status, path)
	}
	assert.Empty(test, client.lastAmount)
}

func TestFundSuccess(test *testing.T) {
	hash := common.HexToHash("0xfeed")
	client := &fakeClient{outcome: crowdfund.Outcome{
		Kind:      crowdfund.StatusSuccess,
		Message:   "Funded 1.5 ETH successfully!",
		Operation: crowdfund.PendingFunding,
		TxHash:    &hash,
		Receipt:   &crowdfund.Receipt{TxHash: hash, BlockNumber: 42},
	}}
	server, cfg, _ := newTestServer(test, client, nil)

	status, body := execRequest(test, server, http.MethodPost, "/api/fund", buildSessionCookie(test, cfg), map[string]any{"amount": "1.5"})
	require.Equal(test, http.StatusOK, status)
	assert.Equal(test, "1.5", client.lastAmount)

	outcome := body["outcome"].(map[string]any)
	assert.Equal(test, "Funded 1.5 ETH successfully!", outcome["message"])
	assert.Equal(test, hash.Hex(), outcome["tx_hash"])
	assert.Equal(test, float64(42), outcome["block_number"])
}

func TestActionErrorMapping(test *testing.T) {
	testCases := []struct {
		name           string
		err            error
		expectedStatus int
		expectedCode   string
	}{
		{name: "validation", err: crowdfund.ValidationError{Reason: "invalid_amount"}, expectedStatus: http.StatusBadRequest, expectedCode: errorCodeInvalidRequest},
		{name: "busy", err: fmt.Errorf("%w: funding", crowdfund.ErrOperationInProgress), expectedStatus: http.StatusConflict, expectedCode: errorCodeBusy},
		{name: "reverted", err: &crowdfund.RevertError{Reason: "Funding is stopped"}, expectedStatus: http.StatusUnprocessableEntity, expectedCode: errorCodeRejected},
		{name: "rejected", err: fmt.Errorf("%w: user denied", crowdfund.ErrSubmissionRejected), expectedStatus: http.StatusUnprocessableEntity, expectedCode: errorCodeRejected},
		{name: "rpc", err: fmt.Errorf("%w: timeout", crowdfund.ErrRPC), expectedStatus: http.StatusBadGateway, expectedCode: errorCodeUpstream},
		{name: "unknown", err: errors.New("boom"), expectedStatus: http.StatusInternalServerError, expectedCode: errorCodeInternal},
	}

	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			client := &fakeClient{
				outcome:    crowdfund.Outcome{Kind: crowdfund.StatusFailure, Message: "Failed to fund.", Operation: crowdfund.PendingFunding},
				outcomeErr: testCase.err,
			}
			server, cfg, _ := newTestServer(test, client, nil)

			status, body := execRequest(test, server, http.MethodPost, "/api/fund", buildSessionCookie(test, cfg), map[string]any{"amount": "1"})
			assert.Equal(test, testCase.expectedStatus, status)
			errorBody := body["error"].(map[string]any)
			assert.Equal(test, testCase.expectedCode, errorBody["code"])
			assert.Equal(test, "Failed to fund.", errorBody["message"])
		})
	}
}

func TestIrreversibleActionsRequireConfirm(test *testing.T) {
	client := &fakeClient{outcome: crowdfund.Outcome{Kind: crowdfund.StatusSuccess, Message: "Funding ended successfully!", Operation: crowdfund.PendingEndingFunding}}
	server, cfg, _ := newTestServer(test, client, nil)
	cookie := buildSessionCookie(test, cfg)

	status, body := execRequest(test, server, http.MethodPost, "/api/end", cookie, nil)
	assert.Equal(test, http.StatusBadRequest, status)
	assert.Equal(test, errorCodeConfirmationRequired, body["error"].(map[string]any)["code"])
	require.NotNil(test, client.lastConfirmed)
	assert.False(test, *client.lastConfirmed)

	status, _ = execRequest(test, server, http.MethodPost, "/api/end", cookie, map[string]any{"confirm": true})
	assert.Equal(test, http.StatusOK, status)
	assert.True(test, *client.lastConfirmed)

	status, _ = execRequest(test, server, http.MethodPost, "/api/withdraw-all", cookie, map[string]any{"confirm": false})
	assert.Equal(test, http.StatusBadRequest, status)
}

func TestWithdrawSomeSkipsConfirmation(test *testing.T) {
	client := &fakeClient{outcome: crowdfund.Outcome{Kind: crowdfund.StatusSuccess, Message: "Withdrew 2 ETH", Operation: crowdfund.PendingWithdrawingSome}}
	server, cfg, _ := newTestServer(test, client, nil)

	status, _ := execRequest(test, server, http.MethodPost, "/api/withdraw", buildSessionCookie(test, cfg), map[string]any{"amount": "2"})
	assert.Equal(test, http.StatusOK, status)
	assert.Equal(test, "2", client.lastAmount)
	assert.Nil(test, client.lastConfirmed)
}

func TestCheckAddressAndMalformedBody(test *testing.T) {
	client := &fakeClient{outcome: crowdfund.Outcome{Kind: crowdfund.StatusSuccess, Message: "Address 0x0000...00b2: 3 ETH", Operation: crowdfund.PendingCheckingAddress}}
	server, cfg, _ := newTestServer(test, client, nil)
	cookie := buildSessionCookie(test, cfg)

	status, body := execRequest(test, server, http.MethodPost, "/api/balance", cookie, map[string]any{"address": testFunder.Hex()})
	require.Equal(test, http.StatusOK, status)
	assert.Equal(test, testFunder.Hex(), client.lastAddress)
	assert.Equal(test, "Address 0x0000...00b2: 3 ETH", body["outcome"].(map[string]any)["message"])

	status, body = execRequest(test, server, http.MethodPost, "/api/balance", cookie, []int{1, 2})
	assert.Equal(test, http.StatusBadRequest, status)
	assert.Equal(test, errorCodeInvalidPayload, body["error"].(map[string]any)["code"])
}

func TestOperationsHistory(test *testing.T) {
	history := &fakeHistory{entries: []journal.Entry{
		{OperationID: "op-2", Operation: "end_funding", Status: "error", RevertKind: "owner_only", Reason: "Not allowed", CreatedAt: testNow},
		{OperationID: "op-1", Operation: "fund", Status: "ok", AmountWei: "1000", Duration: 1500 * time.Millisecond, CreatedAt: testNow.Add(-time.Minute)},
	}}
	server, cfg, _ := newTestServer(test, &fakeClient{}, history)
	cookie := buildSessionCookie(test, cfg)

	status, body := execRequest(test, server, http.MethodGet, "/api/operations?limit=5", cookie, nil)
	require.Equal(test, http.StatusOK, status)
	assert.Equal(test, 5, history.lastLimit)
	operations := body["operations"].([]any)
	require.Len(test, operations, 2)
	first := operations[0].(map[string]any)
	assert.Equal(test, "op-2", first["operation_id"])
	assert.Equal(test, "owner_only", first["revert_kind"])
	assert.Equal(test, float64(1500), operations[1].(map[string]any)["duration_ms"])

	status, _ = execRequest(test, server, http.MethodGet, "/api/operations?limit=abc", cookie, nil)
	assert.Equal(test, http.StatusBadRequest, status)

	status, _ = execRequest(test, server, http.MethodGet, "/api/operations", cookie, nil)
	assert.Equal(test, http.StatusOK, status)
	assert.Equal(test, defaultHistoryLimit, history.lastLimit)
}

func TestOperationsWithoutJournal(test *testing.T) {
	server, cfg, _ := newTestServer(test, &fakeClient{}, nil)
	status, _ := execRequest(test, server, http.MethodGet, "/api/operations", buildSessionCookie(test, cfg), nil)
	assert.Equal(test, http.StatusNotFound, status)
}

func TestAccountSwitchEmitsWalletEvents(test *testing.T) {
	signers := make([]*wallet.KeySigner, 0, 2)
	for index := 0; index < 2; index++ {
		key, err := crypto.GenerateKey()
		require.NoError(test, err)
		signer, err := wallet.NewKeySigner(key)
		require.NoError(test, err)
		signers = append(signers, signer)
	}
	provider, err := wallet.NewProvider(zap.NewNop(), signers...)
	require.NoError(test, err)
	server, cfg, _ := newTestServerWithDependencies(test, Dependencies{Client: &fakeClient{}, Accounts: provider})
	cookie := buildSessionCookie(test, cfg)

	status, body := execRequest(test, server, http.MethodPost, "/api/account", cookie, map[string]any{"address": signers[1].Address().Hex()})
	require.Equal(test, http.StatusAccepted, status)
	assert.Equal(test, signers[1].Address().Hex(), body["account"])
	event := <-provider.Events()
	assert.Equal(test, crowdfund.WalletAccountsChanged, event.Type)
	assert.Equal(test, signers[1].Address(), event.Accounts[0])

	status, body = execRequest(test, server, http.MethodPost, "/api/account", cookie, map[string]any{"address": testOwner.Hex()})
	assert.Equal(test, http.StatusNotFound, status)
	assert.Equal(test, errorCodeUnknownAccount, body["error"].(map[string]any)["code"])

	status, _ = execRequest(test, server, http.MethodPost, "/api/account", cookie, map[string]any{"address": "0x123"})
	assert.Equal(test, http.StatusBadRequest, status)

	status, _ = execRequest(test, server, http.MethodPost, "/api/account", nil, map[string]any{"address": signers[0].Address().Hex()})
	assert.Equal(test, http.StatusUnauthorized, status)

	status, _ = execRequest(test, server, http.MethodPost, "/api/disconnect", cookie, nil)
	require.Equal(test, http.StatusAccepted, status)
	event = <-provider.Events()
	assert.Equal(test, crowdfund.WalletAccountsChanged, event.Type)
	assert.Empty(test, event.Accounts)
}

func TestAccountRoutesWithoutWallet(test *testing.T) {
	server, cfg, _ := newTestServer(test, &fakeClient{}, nil)
	status, body := execRequest(test, server, http.MethodPost, "/api/disconnect", buildSessionCookie(test, cfg), nil)
	assert.Equal(test, http.StatusNotFound, status)
	assert.Equal(test, errorCodeAccountsUnavailable, body["error"].(map[string]any)["code"])
}

func TestHealthAndMetricsEndpoints(test *testing.T) {
	server, _, _ := newTestServer(test, &fakeClient{snapshot: loadedSnapshot(test), loaded: true}, nil)

	status, body := execRequest(test, server, http.MethodGet, "/healthz", nil, nil)
	require.Equal(test, http.StatusOK, status)
	assert.Equal(test, "ok", body["status"])

	execRequest(test, server, http.MethodGet, "/api/snapshot", nil, nil)
	response, err := server.Client().Get(server.URL + "/metrics")
	require.NoError(test, err)
	defer response.Body.Close()
	var buffer bytes.Buffer
	_, err = buffer.ReadFrom(response.Body)
	require.NoError(test, err)
	assert.Contains(test, buffer.String(), `crowdfund_api_requests_total{method="GET",path="/api/snapshot",status="200"} 1`)
}

func TestConfigValidate(test *testing.T) {
	cfg := Config{}
	assert.Error(test, cfg.Validate())

	cfg = Config{SessionSigningKey: "k"}
	require.NoError(test, cfg.Validate())
	assert.Equal(test, defaultListenAddr, cfg.ListenAddr)
	assert.Equal(test, []string{defaultAllowedOrigin}, cfg.AllowedOrigins)
	assert.Equal(test, defaultActionTimeout, cfg.ActionTimeout)
	assert.Equal(test, []string{"a", "b"}, ParseAllowedOrigins(" a, ,b "))
	assert.Empty(test, ParseAllowedOrigins("  "))
}
