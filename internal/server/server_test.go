package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stefando/uploadRelay/internal/auth"
	"github.com/stefando/uploadRelay/internal/relay"
	"github.com/stefando/uploadRelay/internal/storage"
	"github.com/stefando/uploadRelay/internal/upload"
)

type fakePublisher struct {
	name   string
	bodies [][]byte
	err    error
}

func (f *fakePublisher) Name() string { return f.name }

func (f *fakePublisher) Publish(ctx context.Context, id string, body []byte) error {
	if f.err != nil {
		return f.err
	}
	f.bodies = append(f.bodies, body)
	return nil
}

type fakeLister struct {
	listing *storage.Listing
	buckets []storage.Bucket
	err     error
	bucket  string
}

func (f *fakeLister) List(ctx context.Context, bucket string) (*storage.Listing, error) {
	f.bucket = bucket
	return f.listing, f.err
}

func (f *fakeLister) URL(ctx context.Context, bucket, key string) (string, error) {
	f.bucket = bucket
	if f.err != nil {
		return "", f.err
	}
	return "https://s3.local/" + bucket + "/" + key, nil
}

func (f *fakeLister) Buckets(ctx context.Context) ([]storage.Bucket, error) {
	return f.buckets, f.err
}

type fakeUploader struct {
	bucket  string
	prefix  string
	name    string
	content string
	err     error
}

func (f *fakeUploader) UploadFile(ctx context.Context, bucket, prefix string, file *upload.File) (string, error) {
	if bucket == "" {
		return "", upload.ErrNoBucket
	}
	if f.err != nil {
		return "", f.err
	}
	b, _ := io.ReadAll(file.Body)
	f.bucket, f.prefix, f.name, f.content = bucket, prefix, file.Name, string(b)
	return upload.ObjectKey(prefix, file.Name), nil
}

type fakeLogin struct{ err error }

func (f *fakeLogin) Authenticate(ctx context.Context, req *auth.LoginRequest) (*auth.LoginResponse, error) {
	if req.Username == "" {
		return nil, auth.ErrMissingCredentials
	}
	if f.err != nil {
		return nil, f.err
	}
	return &auth.LoginResponse{AccessToken: "access", TokenType: "Bearer", ExpiresIn: 3600}, nil
}

func (f *fakeLogin) Refresh(ctx context.Context, req *auth.RefreshRequest) (*auth.LoginResponse, error) {
	if req.RefreshToken == "" {
		return nil, auth.ErrMissingCredentials
	}
	return &auth.LoginResponse{AccessToken: "fresh", TokenType: "Bearer"}, nil
}

type fixture struct {
	srv      *Server
	rabbit   *fakePublisher
	kafka    *fakePublisher
	lister   *fakeLister
	uploader *fakeUploader
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		rabbit:   &fakePublisher{name: "RabbitMQ"},
		kafka:    &fakePublisher{name: "Kafka"},
		lister:   &fakeLister{listing: &storage.Listing{Files: []storage.FileInfo{}}},
		uploader: &fakeUploader{},
	}
	opts := Options{
		DefaultBucket: "default-bucket",
		MaxUploadSize: 1 << 20,
		Lister:        f.lister,
		Uploader:      f.uploader,
		RabbitMQ:      relay.NewService(f.rabbit, time.Second),
		Kafka:         relay.NewService(f.kafka, time.Second),
		Login:         &fakeLogin{},
	}
	if mutate != nil {
		mutate(&opts)
	}
	f.srv = New(opts)
	return f
}

type part struct {
	field, filename, content string
}

func multipartBody(t *testing.T, parts ...part) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, p := range parts {
		if p.filename != "" {
			fw, err := w.CreateFormFile(p.field, p.filename)
			require.NoError(t, err)
			_, err = fw.Write([]byte(p.content))
			require.NoError(t, err)
			continue
		}
		require.NoError(t, w.WriteField(p.field, p.content))
	}
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func bearer(t *testing.T, email string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"email": email, "sub": "user-1"})
	signed, err := tok.SignedString([]byte("secret"))
	require.NoError(t, err)
	return "Bearer " + signed
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func TestRelay_RabbitMQ(t *testing.T) {
	f := newFixture(t, nil)
	body, ct := multipartBody(t,
		part{"file", "x.png", "x-bytes"},
		part{"file", "y.png", "y-bytes"},
		part{"fileName", "", "x.png"},
		part{"fileName", "", "y.png"},
		part{"bucket", "", "media"},
		part{"path", "", "2024/jan"},
	)
	req := httptest.NewRequest(http.MethodPost, "/api/rabit-mq", body)
	req.Header.Set("Content-Type", ct)
	req.Header.Set("Authorization", bearer(t, "ana@example.com"))

	rec := f.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"status":"file sent to RabbitMQ"}`, rec.Body.String())

	require.Len(t, f.rabbit.bodies, 1)
	assert.Empty(t, f.kafka.bodies)

	var msg relay.Message
	require.NoError(t, json.Unmarshal(f.rabbit.bodies[0], &msg))
	assert.Equal(t, []string{"x.png", "y.png"}, msg.FileNames)
	assert.Len(t, msg.Files, 2)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("x-bytes")), msg.Files[0])
	assert.Equal(t, "media", msg.Bucket)
	assert.Equal(t, "2024/jan", msg.Path)
	assert.Equal(t, "ana@example.com", msg.Email)
}

func TestRelay_RoutesByBroker(t *testing.T) {
	tests := []struct {
		path   string
		status string
	}{
		{"/api/rabbitmq", "file sent to RabbitMQ"},
		{"/api/kafka-producer", "file sent to Kafka"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			f := newFixture(t, nil)
			body, ct := multipartBody(t, part{"file", "a.txt", "a"}, part{"bucket", "", "docs"})
			req := httptest.NewRequest(http.MethodPost, tt.path, body)
			req.Header.Set("Content-Type", ct)

			rec := f.do(req)
			require.Equal(t, http.StatusOK, rec.Code)
			assert.JSONEq(t, fmt.Sprintf(`{"status":%q}`, tt.status), rec.Body.String())
			assert.Len(t, append(f.rabbit.bodies, f.kafka.bodies...), 1)
		})
	}
}

func TestRelay_AnonymousUpload(t *testing.T) {
	f := newFixture(t, nil)
	body, ct := multipartBody(t, part{"file", "a.txt", "a"}, part{"bucket", "", "docs"})
	req := httptest.NewRequest(http.MethodPost, "/api/rabit-mq", body)
	req.Header.Set("Content-Type", ct)

	rec := f.do(req)
	require.Equal(t, http.StatusOK, rec.Code)

	var msg relay.Message
	require.NoError(t, json.Unmarshal(f.rabbit.bodies[0], &msg))
	assert.Equal(t, "", msg.Email)
}

func TestRelay_BrokerFailure(t *testing.T) {
	tests := []struct {
		route  string
		broker string
	}{
		{"/api/rabit-mq", "RabbitMQ"},
		{"/api/kafka-producer", "Kafka"},
	}
	for _, tt := range tests {
		t.Run(tt.broker, func(t *testing.T) {
			f := newFixture(t, nil)
			f.rabbit.err = errors.New("dial tcp: connection refused")
			f.kafka.err = errors.New("dial tcp: connection refused")

			body, ct := multipartBody(t, part{"file", "a.txt", "a"}, part{"bucket", "", "docs"})
			req := httptest.NewRequest(http.MethodPost, tt.route, body)
			req.Header.Set("Content-Type", ct)

			rec := f.do(req)
			assert.Equal(t, http.StatusInternalServerError, rec.Code)
			var resp map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, "failed to send file to "+tt.broker, resp["error"])
			assert.Empty(t, f.rabbit.bodies)
			assert.Empty(t, f.kafka.bodies)
		})
	}
}

func TestRelay_Rejections(t *testing.T) {
	t.Run("not multipart", func(t *testing.T) {
		f := newFixture(t, nil)
		req := httptest.NewRequest(http.MethodPost, "/api/rabit-mq", strings.NewReader(`{}`))
		req.Header.Set("Content-Type", "application/json")
		assert.Equal(t, http.StatusBadRequest, f.do(req).Code)
	})

	t.Run("missing bucket", func(t *testing.T) {
		f := newFixture(t, nil)
		body, ct := multipartBody(t, part{"file", "a.txt", "a"})
		req := httptest.NewRequest(http.MethodPost, "/api/rabit-mq", body)
		req.Header.Set("Content-Type", ct)
		assert.Equal(t, http.StatusBadRequest, f.do(req).Code)
		assert.Empty(t, f.rabbit.bodies)
	})

	t.Run("too large", func(t *testing.T) {
		f := newFixture(t, func(o *Options) { o.MaxUploadSize = 64 })
		body, ct := multipartBody(t, part{"file", "a.bin", strings.Repeat("a", 4096)}, part{"bucket", "", "docs"})
		req := httptest.NewRequest(http.MethodPost, "/api/kafka-producer", body)
		req.Header.Set("Content-Type", ct)
		assert.Equal(t, http.StatusRequestEntityTooLarge, f.do(req).Code)
		assert.Empty(t, f.kafka.bodies)
	})

	t.Run("broker not configured", func(t *testing.T) {
		f := newFixture(t, func(o *Options) { o.Kafka = nil })
		body, ct := multipartBody(t, part{"file", "a.txt", "a"}, part{"bucket", "", "docs"})
		req := httptest.NewRequest(http.MethodPost, "/api/kafka-producer", body)
		req.Header.Set("Content-Type", ct)
		rec := f.do(req)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.JSONEq(t, `{"error":"broker is not configured"}`, rec.Body.String())
	})
}

func TestRelay_RateLimited(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.UploadRateLimit = 0.001
		o.UploadRateBurst = 1
	})

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		body, ct := multipartBody(t, part{"file", "a.txt", "a"}, part{"bucket", "", "docs"})
		req := httptest.NewRequest(http.MethodPost, "/api/rabit-mq", body)
		req.Header.Set("Content-Type", ct)
		codes = append(codes, f.do(req).Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests}, codes)

	// listing is not limited
	assert.Equal(t, http.StatusOK, f.do(httptest.NewRequest(http.MethodGet, "/api/files", nil)).Code)
}

func TestDirectUpload(t *testing.T) {
	f := newFixture(t, nil)
	body, ct := multipartBody(t,
		part{"file", "report.pdf", "pdf-bytes"},
		part{"bucket", "", "docs"},
		part{"path", "", "2024"},
	)
	req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
	req.Header.Set("Content-Type", ct)

	rec := f.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"message":"File uploaded successfully","key":"2024/report.pdf"}`, rec.Body.String())
	assert.Equal(t, "docs", f.uploader.bucket)
	assert.Equal(t, "pdf-bytes", f.uploader.content)
}

func TestDirectUpload_Errors(t *testing.T) {
	t.Run("no file", func(t *testing.T) {
		f := newFixture(t, nil)
		body, ct := multipartBody(t, part{"bucket", "", "docs"})
		req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
		req.Header.Set("Content-Type", ct)
		rec := f.do(req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.JSONEq(t, `{"error":"no file uploaded"}`, rec.Body.String())
	})

	t.Run("no bucket", func(t *testing.T) {
		f := newFixture(t, nil)
		body, ct := multipartBody(t, part{"file", "a.txt", "a"})
		req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
		req.Header.Set("Content-Type", ct)
		assert.Equal(t, http.StatusBadRequest, f.do(req).Code)
	})

	t.Run("storage failure", func(t *testing.T) {
		f := newFixture(t, nil)
		f.uploader.err = errors.New("AccessDenied")
		body, ct := multipartBody(t, part{"file", "a.txt", "a"}, part{"bucket", "", "docs"})
		req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
		req.Header.Set("Content-Type", ct)
		rec := f.do(req)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.JSONEq(t, `{"error":"failed to upload file"}`, rec.Body.String())
	})
}

func TestListFiles(t *testing.T) {
	f := newFixture(t, nil)
	f.lister.listing = &storage.Listing{Files: []storage.FileInfo{
		{Key: "a.txt", PathStyleURL: "https://s3.local/default-bucket/a.txt"},
		{Key: "b.txt"},
	}, Incomplete: true}

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/files", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "default-bucket", f.lister.bucket)
	assert.Equal(t, "true", rec.Header().Get(IncompleteHeader))
	assert.JSONEq(t, `[
		{"key":"a.txt","pathStyleUrl":"https://s3.local/default-bucket/a.txt","size":0},
		{"key":"b.txt","size":0}
	]`, rec.Body.String())
}

func TestListFiles_BucketSelection(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/files?bucket=media", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "media", f.lister.bucket)
	assert.JSONEq(t, `[]`, rec.Body.String())
	assert.Empty(t, rec.Header().Get(IncompleteHeader))

	req := httptest.NewRequest(http.MethodPost, "/api/files", strings.NewReader(`{"bucket":"archive"}`))
	req.Header.Set("Content-Type", "application/json")
	require.Equal(t, http.StatusOK, f.do(req).Code)
	assert.Equal(t, "archive", f.lister.bucket)

	req = httptest.NewRequest(http.MethodPost, "/api/files", strings.NewReader(`{bad`))
	assert.Equal(t, http.StatusBadRequest, f.do(req).Code)
}

func TestListFiles_StorageError(t *testing.T) {
	f := newFixture(t, nil)
	f.lister.err = errors.New("NoSuchBucket")

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/files", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"failed to list files"}`, rec.Body.String())
}

func TestFileURL(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/files/url?bucket=docs&key=a/b.txt", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"key":"a/b.txt","url":"https://s3.local/docs/a/b.txt"}`, rec.Body.String())

	rec = f.do(httptest.NewRequest(http.MethodGet, "/api/files/url", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTree(t *testing.T) {
	f := newFixture(t, nil)
	f.lister.listing = &storage.Listing{Files: []storage.FileInfo{
		{Key: "a/b.txt", PathStyleURL: "u1"},
		{Key: "a/c/d.txt", PathStyleURL: "u2"},
		{Key: "a/b.txt/e"},
	}}

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/files/tree", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{
		"path": "",
		"tree": [{"name":"a","path":"a","isFile":false,"children":[
			{"name":"b.txt","path":"a/b.txt","isFile":true,"url":"u1"},
			{"name":"c","path":"a/c","isFile":false,"children":[
				{"name":"d.txt","path":"a/c/d.txt","isFile":true,"url":"u2"}]}]}],
		"conflicts": ["a/b.txt/e"]
	}`, rec.Body.String())

	rec = f.do(httptest.NewRequest(http.MethodGet, "/api/files/tree?path=a/c", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"path":"a/c","tree":[{"name":"d.txt","path":"a/c/d.txt","isFile":true,"url":"u2"}],"conflicts":["a/b.txt/e"]}`,
		rec.Body.String())

	rec = f.do(httptest.NewRequest(http.MethodGet, "/api/files/tree?path=missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBuckets(t *testing.T) {
	f := newFixture(t, nil)
	f.lister.buckets = []storage.Bucket{{Name: "docs"}, {Name: "media"}}

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/buckets", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"data":[{"name":"docs"},{"name":"media"}]}`, rec.Body.String())
}

func TestLoginAndRefresh(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(httptest.NewRequest(http.MethodPost, "/api/login", strings.NewReader(`{"username":"ana","password":"pw"}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"access_token":"access","id_token":"","expires_in":3600,"token_type":"Bearer"}`, rec.Body.String())

	rec = f.do(httptest.NewRequest(http.MethodPost, "/api/login", strings.NewReader(`{"password":"pw"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(httptest.NewRequest(http.MethodPost, "/api/login", strings.NewReader(`nope`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(httptest.NewRequest(http.MethodPost, "/api/refresh", strings.NewReader(`{"refreshToken":"r1"}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"fresh"`)

	f = newFixture(t, func(o *Options) { o.Login = &fakeLogin{err: errors.New("NotAuthorizedException")} })
	rec = f.do(httptest.NewRequest(http.MethodPost, "/api/login", strings.NewReader(`{"username":"ana","password":"bad"}`)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"Authentication failed"}`, rec.Body.String())
}

type acceptOnly struct{ token string }

func (a acceptOnly) Verify(ctx context.Context, raw string) (*oidc.IDToken, error) {
	if raw != a.token {
		return nil, errors.New("invalid token")
	}
	return &oidc.IDToken{}, nil
}

func TestVerifierGate(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Verifier = acceptOnly{token: "good"} })

	assert.Equal(t, http.StatusUnauthorized, f.do(httptest.NewRequest(http.MethodGet, "/api/files", nil)).Code)

	req := httptest.NewRequest(http.MethodGet, "/api/files", nil)
	req.Header.Set("Authorization", "Bearer good")
	assert.Equal(t, http.StatusOK, f.do(req).Code)

	// health and login stay open
	assert.Equal(t, http.StatusOK, f.do(httptest.NewRequest(http.MethodGet, "/health", nil)).Code)
	rec := f.do(httptest.NewRequest(http.MethodPost, "/api/login", strings.NewReader(`{"username":"a","password":"b"}`)))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = f.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "uploadrelay_http_requests_total")
}
