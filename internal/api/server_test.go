package api

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hedge-core/internal/engine"
	"hedge-core/internal/events"
	"hedge-core/internal/gateway"
	"hedge-core/internal/journal"
	"hedge-core/internal/monitor"
	"hedge-core/internal/reconciliation"
	"hedge-core/internal/state"
	"hedge-core/internal/strategy"
	"hedge-core/pkg/cache"
	"hedge-core/pkg/errs"
	"hedge-core/pkg/exchanges/common"
	"hedge-core/pkg/i18n"
)

const params = `{
  "first_qty": 50, "add_ratio": 2, "max_add_times": 3, "add_interval": 0.02,
  "tp_first_order": 0.01, "tp_before_full": 0.005, "tp_after_full": 0.003,
  "hedge": {"trigger_loss": 0.05,
            "release_tp_after_full": {"long": 0.02, "short": 0.02},
            "release_sl_loss_ratio": {"long": 0.5, "short": 0.5},
            "cooldown": 60}
}`

type testServer struct {
	t       *testing.T
	srv     *Server
	manager *engine.Manager
	paper   *gateway.PaperFactory
	store   *state.Store
	creds   *gateway.CredentialStore
	journal *journal.Journal
}

func newTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()

	store, err := state.NewStore(filepath.Join(dir, "state"))
	require.NoError(t, err)
	jr, err := journal.Open(filepath.Join(dir, "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { jr.Close() })
	bus := events.NewBus(jr)

	pf := gateway.NewPaperFactory(map[string]decimal.Decimal{"BTCUSDT": decimal.NewFromInt(100)})
	rcfg := gateway.DefaultConfig()
	rcfg.HealthInterval = 0
	rcfg.OrderRatePerSec = 0
	rcfg.DefaultPolicy = common.Policy{Timeout: time.Second, MaxTries: 1, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
	registry := gateway.NewRegistry(map[string]gateway.Factory{gateway.PlatformPaper: pf.Build}, rcfg)
	t.Cleanup(registry.Close)

	reg := prometheus.NewRegistry()
	metrics := monitor.NewWithRegistry(reg)
	strategies := strategy.DefaultRegistry()
	states := state.NewManager(store)
	m := engine.NewManager(engine.DefaultConfig(), states, registry, strategies, engine.Options{
		Bus: bus, Metrics: metrics, Prices: cache.NewPriceCache(),
	})
	creds := gateway.NewCredentialStore(filepath.Join(dir, "credentials"), nil)

	if opts.Gatherer == nil {
		opts.Gatherer = reg
	}
	srv := NewServer(Deps{
		Engine:      m,
		Platforms:   registry,
		Credentials: creds,
		Reconciler:  reconciliation.NewService(m, registry, bus, 0),
		Journal:     jr,
		Bus:         bus,
		Metrics:     metrics,
		Strategies:  strategies,
		Meta:        SystemMeta{Version: "test", StartedAt: time.Now()},
	}, opts)

	return &testServer{t: t, srv: srv, manager: m, paper: pf, store: store, creds: creds, journal: jr}
}

func (ts *testServer) do(method, path string, body any) *httptest.ResponseRecorder {
	ts.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(ts.t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.srv.Router.ServeHTTP(w, req)
	return w
}

func (ts *testServer) register(account string) {
	ts.t.Helper()
	w := ts.do(http.MethodPost, "/api/accounts/"+account+"/platforms", gin.H{
		"platform": gateway.PlatformPaper, "api_key": "key-" + account, "api_secret": "secret",
	})
	require.Equal(ts.t, http.StatusCreated, w.Code, w.Body.String())
}

func (ts *testServer) createInstance(account string, start bool) engine.InstanceInfo {
	ts.t.Helper()
	w := ts.do(http.MethodPost, "/api/accounts/"+account+"/instances", gin.H{
		"platform": gateway.PlatformPaper, "strategy": strategy.MartingaleHedgeName,
		"symbol": "btcusdt", "params": json.RawMessage(params), "start": start,
	})
	require.Equal(ts.t, http.StatusCreated, w.Code, w.Body.String())
	var info engine.InstanceInfo
	require.NoError(ts.t, json.Unmarshal(w.Body.Bytes(), &info))
	return info
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

func TestInstanceLifecycle(t *testing.T) {
	ts := newTestServer(t, Options{})
	ts.register("alice")

	info := ts.createInstance("alice", true)
	assert.Equal(t, engine.StatusRunning, info.Status)
	assert.Equal(t, "BTCUSDT", info.Symbol)

	w := ts.do(http.MethodGet, "/api/accounts/alice/instances", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Instances []engine.InstanceInfo `json:"instances"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Instances, 1)

	w = ts.do(http.MethodGet, "/api/accounts/alice/instances/"+info.ID+"/position", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do(http.MethodDelete, "/api/accounts/alice/instances/"+info.ID, nil)
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, errs.CodePrecondition, decodeError(t, w).Code)

	w = ts.do(http.MethodPost, "/api/accounts/alice/instances/"+info.ID+"/stop", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, engine.StatusStopped, info.Status)

	w = ts.do(http.MethodDelete, "/api/accounts/alice/instances/"+info.ID, nil)
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = ts.do(http.MethodGet, "/api/accounts/alice/instances/"+info.ID, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	body := decodeError(t, w)
	assert.Equal(t, errs.CodeInstanceNotFound, body.Code)
	assert.NotEmpty(t, body.Remediation)
}

func TestCreateValidation(t *testing.T) {
	ts := newTestServer(t, Options{})

	w := ts.do(http.MethodPost, "/api/accounts/alice/instances", `{"platform":"paper"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, errs.CodeInvalidParameter, decodeError(t, w).Code)

	w = ts.do(http.MethodPost, "/api/accounts/alice/instances", gin.H{
		"platform": gateway.PlatformPaper, "strategy": "nope", "symbol": "BTCUSDT",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, errs.CodeInvalidParameter, decodeError(t, w).Code)
}

func TestStartWithoutPlatform(t *testing.T) {
	ts := newTestServer(t, Options{})

	w := ts.do(http.MethodPost, "/api/accounts/bob/instances", gin.H{
		"platform": gateway.PlatformPaper, "strategy": strategy.MartingaleHedgeName,
		"symbol": "BTCUSDT", "params": json.RawMessage(params), "start": true,
	})
	require.Equal(t, http.StatusNotFound, w.Code, w.Body.String())
	body := decodeError(t, w)
	assert.Equal(t, errs.CodePlatformNotConfigured, body.Code)
	assert.Equal(t, "bob", body.Details["account"])
}

func TestDuplicateInstance(t *testing.T) {
	ts := newTestServer(t, Options{})
	ts.register("alice")
	first := ts.createInstance("alice", false)

	w := ts.do(http.MethodPost, "/api/accounts/alice/instances", gin.H{
		"platform": gateway.PlatformPaper, "strategy": strategy.MartingaleHedgeName,
		"symbol": "BTCUSDT", "params": json.RawMessage(params),
	})
	require.Equal(t, http.StatusConflict, w.Code)
	body := decodeError(t, w)
	assert.Equal(t, errs.CodeDuplicateInstance, body.Code)
	assert.Equal(t, first.ID, body.Details["instance_id"])
}

func TestForceCloseEndpoint(t *testing.T) {
	ts := newTestServer(t, Options{})
	ts.register("alice")
	info := ts.createInstance("alice", false)

	w := ts.do(http.MethodPost, "/api/accounts/alice/instances/"+info.ID+"/force-close", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, engine.StatusStopped, info.Status)
	assert.False(t, info.ForceClose)
}

func TestBackupAndRestore(t *testing.T) {
	ts := newTestServer(t, Options{})
	require.NoError(t, ts.store.Save("alice", state.NewAccountState("alice")))

	w := ts.do(http.MethodPost, "/api/accounts/alice/state/backups", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		BackupID string `json:"backup_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotEmpty(t, created.BackupID)

	w = ts.do(http.MethodGet, "/api/accounts/alice/state/backups", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), created.BackupID)

	w = ts.do(http.MethodPost, "/api/accounts/alice/state/restore", gin.H{"backup_id": "state-nope"})
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, errs.CodeBackupNotFound, decodeError(t, w).Code)

	w = ts.do(http.MethodPost, "/api/accounts/alice/state/restore", gin.H{"backup_id": created.BackupID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestRestoreRefusedWhileRunning(t *testing.T) {
	ts := newTestServer(t, Options{})
	ts.register("alice")
	require.NoError(t, ts.store.Save("alice", state.NewAccountState("alice")))
	ts.createInstance("alice", true)

	w := ts.do(http.MethodPost, "/api/accounts/alice/state/backups", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		BackupID string `json:"backup_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = ts.do(http.MethodPost, "/api/accounts/alice/state/restore", gin.H{"backup_id": created.BackupID})
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, errs.CodePrecondition, decodeError(t, w).Code)
}

func TestPlatformEndpoints(t *testing.T) {
	ts := newTestServer(t, Options{})
	ts.register("alice")
	_, err := os.Stat(ts.creds.Path("alice", gateway.PlatformPaper))
	require.NoError(t, err, "credentials not persisted")

	w := ts.do(http.MethodPost, "/api/accounts/alice/platforms/paper/test", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ok":true}`, w.Body.String())

	ts.paper.Venue("alice", "").SetPingError(&common.APIError{Venue: "paper", Status: 401, Msg: "revoked"})
	w = ts.do(http.MethodPost, "/api/accounts/alice/platforms/paper/test", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ok":false`)
	ts.paper.Venue("alice", "").SetPingError(nil)

	w = ts.do(http.MethodDelete, "/api/accounts/alice/platforms/paper", nil)
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())
	_, err = os.Stat(ts.creds.Path("alice", gateway.PlatformPaper))
	assert.True(t, os.IsNotExist(err))

	w = ts.do(http.MethodDelete, "/api/accounts/alice/platforms/paper", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, errs.CodePlatformNotConfigured, decodeError(t, w).Code)
}

func TestRemovePlatformRefusedWhileLeased(t *testing.T) {
	ts := newTestServer(t, Options{})
	ts.register("alice")
	ts.createInstance("alice", true)

	w := ts.do(http.MethodDelete, "/api/accounts/alice/platforms/paper", nil)
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, errs.CodePrecondition, decodeError(t, w).Code)
}

func TestEventsReplayedFromJournal(t *testing.T) {
	ts := newTestServer(t, Options{})
	ts.register("alice")
	info := ts.createInstance("alice", true)

	w := ts.do(http.MethodGet, "/api/accounts/alice/events?instance_id="+info.ID, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body struct {
		Events []events.Message `json:"events"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.NotEmpty(t, body.Events)
	assert.Equal(t, events.EventInstanceStatus, body.Events[0].Type)

	last := body.Events[len(body.Events)-1].Seq
	w = ts.do(http.MethodGet, "/api/accounts/alice/events?after="+strconv.FormatUint(last, 10), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"events":[]}`, w.Body.String())

	w = ts.do(http.MethodGet, "/api/accounts/alice/events?after=x", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReconcileEndpoint(t *testing.T) {
	ts := newTestServer(t, Options{})
	ts.register("alice")
	ts.createInstance("alice", false)
	ts.paper.Venue("alice", "").SetPosition("BTCUSDT", common.PositionLong, decimal.NewFromInt(50), decimal.NewFromInt(100))

	w := ts.do(http.MethodGet, "/api/accounts/alice/reconcile", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var report reconciliation.Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.True(t, report.HasDiffs)
	require.Len(t, report.Diffs, 1)
	assert.Equal(t, state.Long, report.Diffs[0].Side)
}

func TestRemediationIsLocalized(t *testing.T) {
	ts := newTestServer(t, Options{})
	i18n.SetLanguage(i18n.LangZH)
	t.Cleanup(func() { i18n.SetLanguage(i18n.LangEN) })

	w := ts.do(http.MethodGet, "/api/accounts/alice/instances/missing", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, i18n.M().Remediations[string(errs.CodeInstanceNotFound)], decodeError(t, w).Remediation)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, Options{})

	require.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/health", nil).Code)
	w := ts.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "hedge_api_requests_total")

	w = ts.do(http.MethodGet, "/api/system/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"version":"test"`)
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, Options{RateLimitRPS: 1, RateBurst: 1})

	require.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/health", nil).Code)
	w := ts.do(http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "rate limit"))
}

func TestRequestIDEchoed(t *testing.T) {
	ts := newTestServer(t, Options{CORSOrigins: []string{"https://desk.example"}})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-1")
	req.Header.Set("Origin", "https://desk.example")
	w := httptest.NewRecorder()
	ts.srv.Router.ServeHTTP(w, req)

	assert.Equal(t, "req-1", w.Header().Get("X-Request-ID"))
	assert.Equal(t, "https://desk.example", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestIPLimiterPrune(t *testing.T) {
	l := newIPLimiters(5, 5)
	now := time.Unix(1_700_000_000, 0)
	l.get("10.0.0.1", now)
	l.get("10.0.0.2", now.Add(9*time.Minute))
	assert.Equal(t, 1, l.prune(now.Add(11*time.Minute), 10*time.Minute))
}
