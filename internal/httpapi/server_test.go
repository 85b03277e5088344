package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"campusattend/internal/attendance"
	"campusattend/internal/config"
	"campusattend/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	db, err := store.NewDB(filepath.Join(t.TempDir(), "test.db"), 8)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repo := attendance.NewRepository(db.Client)

	hash, err := bcrypt.GenerateFromPassword([]byte("admin123"), bcrypt.DefaultCost)
	require.NoError(t, err)
	require.NoError(t, repo.EnsureAdmin(context.Background(), "admin", string(hash)))

	svc := attendance.NewService(repo, nil, nil, attendance.Config{}, zerolog.Nop())

	cfg := config.App{
		Env:             "test",
		JWTIssuer:       "campusattend",
		JWTSigningKey:   "test-signing-key",
		LoginTTL:        time.Hour,
		RateLimitPerMin: 10000,
		TemplateGlob:    "../../web/templates/*.html",
		CollegeName:     "Shambhunath College of Education",
	}

	srv := New(svc, cfg, zerolog.Nop(), db, nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

// newClient returns a client with a cookie jar that does not follow
// redirects, so tests can assert Location headers.
func newClient(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func postForm(t *testing.T, c *http.Client, url string, form url.Values) *http.Response {
	t.Helper()
	res, err := c.Post(url, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func postJSON(t *testing.T, c *http.Client, url string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	res, err := c.Post(url, "application/json", bytes.NewReader(buf))
	require.NoError(t, err)
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func decode(t *testing.T, res *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	return out
}

func registerAndLogin(t *testing.T, c *http.Client, base, id, password, name string) {
	t.Helper()
	res := postForm(t, c, base+"/register", url.Values{
		"student_id": {id}, "password": {password}, "name": {name},
	})
	require.Equal(t, http.StatusFound, res.StatusCode)

	res = postForm(t, c, base+"/login", url.Values{
		"student_id": {id}, "password": {password},
	})
	require.Equal(t, http.StatusFound, res.StatusCode)
	require.Equal(t, "/dashboard", res.Header.Get("Location"))
}

func adminLogin(t *testing.T, c *http.Client, base string) {
	t.Helper()
	res := postForm(t, c, base+"/admin_login", url.Values{
		"username": {"admin"}, "password": {"admin123"},
	})
	require.Equal(t, http.StatusFound, res.StatusCode)
	require.Equal(t, "/admin", res.Header.Get("Location"))
}

func TestStudentLoginFlow(t *testing.T) {
	ts := newTestServer(t)
	c := newClient(t)

	registerAndLogin(t, c, ts.URL, "S1", "secret", "Asha")

	// The session cookie now grants access to the dashboard.
	res, err := c.Get(ts.URL + "/dashboard")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestLoginFailureRedirectsSilently(t *testing.T) {
	ts := newTestServer(t)
	c := newClient(t)

	res := postForm(t, c, ts.URL+"/login", url.Values{
		"student_id": {"S1"}, "password": {"nope"},
	})
	assert.Equal(t, http.StatusFound, res.StatusCode)
	assert.Equal(t, "/", res.Header.Get("Location"))
}

func TestMarkAttendanceFlow(t *testing.T) {
	ts := newTestServer(t)

	admin := newClient(t)
	adminLogin(t, admin, ts.URL)

	res := postJSON(t, admin, ts.URL+"/generate_session", map[string]string{"subject": "Physics"})
	require.Equal(t, http.StatusOK, res.StatusCode)
	body := decode(t, res)
	sessionID, _ := body["session_id"].(string)
	require.Len(t, sessionID, 8)
	assert.Equal(t, "Physics", body["subject"])

	student := newClient(t)
	registerAndLogin(t, student, ts.URL, "S1", "secret", "Asha")

	res = postJSON(t, student, ts.URL+"/mark_attendance", map[string]string{"session_id": sessionID})
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "Attendance marked for Physics", decode(t, res)["success"])

	// Same student, same session: conflict with the canonical message.
	res = postJSON(t, student, ts.URL+"/mark_attendance", map[string]string{"session_id": sessionID})
	require.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "Attendance already marked for this session", decode(t, res)["error"])

	// Unknown session id.
	res = postJSON(t, student, ts.URL+"/mark_attendance", map[string]string{"session_id": "NOPE1234"})
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "Session expired or invalid", decode(t, res)["error"])

	// Missing session id.
	res = postJSON(t, student, ts.URL+"/mark_attendance", map[string]string{})
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "session_id required", decode(t, res)["error"])

	// Stats reflect the single mark.
	res, err := student.Get(ts.URL + "/get_attendance_stats")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	stats := decode(t, res)
	assert.EqualValues(t, 1, stats["today"])
	assert.EqualValues(t, 1, stats["total"])
}

func TestMarkAttendanceRequiresLogin(t *testing.T) {
	ts := newTestServer(t)
	c := newClient(t)

	res := postJSON(t, c, ts.URL+"/mark_attendance", map[string]string{"session_id": "ABCD1234"})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "Not logged in", decode(t, res)["error"])
}

func TestAdminEndpointsRequireAdmin(t *testing.T) {
	ts := newTestServer(t)

	student := newClient(t)
	registerAndLogin(t, student, ts.URL, "S1", "secret", "Asha")

	res := postJSON(t, student, ts.URL+"/generate_session", map[string]string{"subject": "Physics"})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "Unauthorized", decode(t, res)["error"])
}

func TestAdminLoginRejectsBadPassword(t *testing.T) {
	ts := newTestServer(t)
	c := newClient(t)

	res := postForm(t, c, ts.URL+"/admin_login", url.Values{
		"username": {"admin"}, "password": {"wrong"},
	})
	// Re-renders the login page rather than redirecting.
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestCurrentSessionOpenEndpoint(t *testing.T) {
	ts := newTestServer(t)
	c := newClient(t)

	res, err := c.Get(ts.URL + "/get_current_session")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	body := decode(t, res)
	assert.Equal(t, "No active session", body["subject"])
	assert.Nil(t, body["session_id"])

	admin := newClient(t)
	adminLogin(t, admin, ts.URL)
	genRes := postJSON(t, admin, ts.URL+"/generate_session", nil)
	require.Equal(t, http.StatusOK, genRes.StatusCode)
	gen := decode(t, genRes)
	// No subject supplied: the default applies.
	assert.Equal(t, "General Class", gen["subject"])

	res, err = c.Get(ts.URL + "/get_current_session")
	require.NoError(t, err)
	defer res.Body.Close()
	body = decode(t, res)
	assert.Equal(t, "General Class", body["subject"])
	assert.Equal(t, gen["session_id"], body["session_id"])
}

func TestGenerateQRReturnsImage(t *testing.T) {
	ts := newTestServer(t)
	admin := newClient(t)
	adminLogin(t, admin, ts.URL)

	res := postJSON(t, admin, ts.URL+"/generate_qr", map[string]string{"subject": "Physics"})
	require.Equal(t, http.StatusOK, res.StatusCode)
	body := decode(t, res)
	qr, _ := body["qr_code"].(string)
	assert.NotEmpty(t, qr)
}

func TestDownloadData(t *testing.T) {
	ts := newTestServer(t)

	admin := newClient(t)
	adminLogin(t, admin, ts.URL)
	genRes := postJSON(t, admin, ts.URL+"/generate_session", map[string]string{"subject": "Physics"})
	sessionID := decode(t, genRes)["session_id"].(string)

	student := newClient(t)
	registerAndLogin(t, student, ts.URL, "S1", "secret", "Asha")
	postJSON(t, student, ts.URL+"/mark_attendance", map[string]string{"session_id": sessionID})

	res, err := admin.Get(ts.URL + "/download_data")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, res.Header.Get("Content-Disposition"), "attachment")

	body := decode(t, res)
	assert.Equal(t, "Shambhunath College of Education", body["college"])
	assert.EqualValues(t, 1, body["total_records"])
	records, ok := body["attendance_data"].([]any)
	require.True(t, ok)
	require.Len(t, records, 1)
	rec := records[0].(map[string]any)
	assert.Equal(t, "S1", rec["student_id"])
	assert.Equal(t, "Asha", rec["student_name"])
	assert.Equal(t, "Physics", rec["subject"])
}

func TestAdminStatsEndpoint(t *testing.T) {
	ts := newTestServer(t)

	admin := newClient(t)
	adminLogin(t, admin, ts.URL)
	postJSON(t, admin, ts.URL+"/generate_session", map[string]string{"subject": "Physics"})

	student := newClient(t)
	registerAndLogin(t, student, ts.URL, "S1", "secret", "Asha")

	res, err := admin.Get(ts.URL + "/get_admin_stats")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	stats := decode(t, res)
	assert.EqualValues(t, 1, stats["total_students"])
	assert.EqualValues(t, 1, stats["total_sessions"])
	assert.EqualValues(t, 0, stats["total_attendance"])
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)

	res, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	body := decode(t, res)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, true, body["db"])
}

func TestLogoutClearsSession(t *testing.T) {
	ts := newTestServer(t)
	c := newClient(t)

	registerAndLogin(t, c, ts.URL, "S1", "secret", "Asha")

	res, err := c.Get(ts.URL + "/logout")
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusFound, res.StatusCode)

	res = postJSON(t, c, ts.URL+"/mark_attendance", map[string]string{"session_id": "ABCD1234"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}
