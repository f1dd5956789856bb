package ingress

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vilenarios/ar-io-bundler/pkg/metrics"
	qmemory "github.com/vilenarios/ar-io-bundler/pkg/queue/memory"
	"github.com/vilenarios/ar-io-bundler/pkg/store/db"
	dbmemory "github.com/vilenarios/ar-io-bundler/pkg/store/db/memory"
	"github.com/vilenarios/ar-io-bundler/pkg/store/object/fs"
)

func testRouter(t *testing.T) (http.Handler, db.Database) {
	t.Helper()
	objects, err := fs.New(fs.Config{BasePath: t.TempDir()})
	require.NoError(t, err)

	cfg := testConfig()
	cfg.MaxDataItemBytes = 1 << 30
	cfg.MultipartTTL = time.Hour

	database := dbmemory.New()
	h := &Handlers{
		DB:          database,
		Objects:     objects,
		Queue:       qmemory.New(),
		BundlingCfg: cfg,
	}
	return NewRouter(h, metrics.New(), false), database
}

func TestWriteError_AlreadyInFlightAcknowledges(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, &Error{Kind: KindAlreadyInFlight, ItemID: "some-item-id", Err: errAlreadyInFlight})

	assert.Equal(t, http.StatusAccepted, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "some-item-id", body["id"])
	assert.Equal(t, "already_in_flight", body["status"])
	assert.NotContains(t, body, "error")
}

func TestMultipartCreate_RecordsUploaderAndChunkCount(t *testing.T) {
	router, database := testRouter(t)

	body := `{"chunkSize":5242880,"uploaderAddress":"uploader-addr","totalChunks":3}`
	req := httptest.NewRequest(http.MethodPost, "/v1/upload", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp multipartCreateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(5242880), resp.ChunkSize)

	upload, err := database.GetMultipartUpload(context.Background(), resp.ID)
	require.NoError(t, err)
	assert.Equal(t, "uploader-addr", upload.UploaderAddress)
	assert.Equal(t, 3, upload.TotalChunks)
}

func TestMultipartChunk_RejectsIndexPastDeclaredCount(t *testing.T) {
	router, database := testRouter(t)
	ctx := context.Background()

	now := time.Now()
	upload := db.MultipartUpload{
		UploadID:    uuid.NewString(),
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Hour),
		ChunkSize:   MinMultipartChunkSize,
		TotalChunks: 2,
	}
	require.NoError(t, database.InsertMultipartUpload(ctx, upload))

	put := func(index string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPut,
			"/v1/upload/"+upload.UploadID+"/"+index, strings.NewReader("chunk bytes"))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	rec := put("2")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, string(KindMalformedItem), body.Code)

	// the last declared index is still accepted
	rec = put("1")
	assert.Equal(t, http.StatusOK, rec.Code)
}
