package classifier

import (
	"cdss-inference/internal/models"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	brain := StaticClassifier{Prediction: Prediction{Label: "glioma", Probability: 0.93}}
	reg := NewRegistry(map[models.ModelKind]Classifier{
		models.ModelBrainMRI: brain,
		models.ModelLungCT:   nil,
	})

	c, err := reg.Get(models.ModelBrainMRI)
	require.NoError(t, err)
	assert.Equal(t, brain, c)
	assert.True(t, reg.Has(models.ModelBrainMRI))

	_, err = reg.Get(models.ModelLungCT)
	assert.ErrorIs(t, err, ErrUnknownModel)
	assert.False(t, reg.Has(models.ModelLungCT))
}

func TestStaticClassifier_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := StaticClassifier{}.Classify(ctx, nil)

	assert.ErrorIs(t, err, context.Canceled)
}

func TestHTTPClassifier_Success(t *testing.T) {
	var gotBody []byte
	var gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		gotType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"class":"pituitary","probability":0.81}`))
	}))
	defer srv.Close()

	c := NewHTTPClassifier(srv.URL, "image/png", time.Second)
	pred, err := c.Classify(context.Background(), []byte("png-bytes"))

	require.NoError(t, err)
	assert.Equal(t, Prediction{Label: "pituitary", Probability: 0.81}, pred)
	assert.Equal(t, "image/png", gotType)
	assert.Equal(t, []byte("png-bytes"), gotBody)
}

func TestHTTPClassifier_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, "model crashed"},
		{"malformed json", http.StatusOK, "{"},
		{"missing class", http.StatusOK, `{"probability":0.5}`},
		{"missing probability", http.StatusOK, `{"class":"notumor"}`},
		{"probability above one", http.StatusOK, `{"class":"notumor","probability":1.2}`},
		{"negative probability", http.StatusOK, `{"class":"notumor","probability":-0.1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewHTTPClassifier(srv.URL, "", time.Second).Classify(context.Background(), []byte("x"))
			assert.Error(t, err)
		})
	}
}

func TestHTTPClassifier_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	_, err := NewHTTPClassifier(srv.URL, "", 20*time.Millisecond).Classify(context.Background(), nil)

	assert.Error(t, err)
}

func TestHTTPClassifier_ConcurrentUse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"class":"meningioma","probability":0.7}`))
	}))
	defer srv.Close()

	c := NewHTTPClassifier(srv.URL, "", time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pred, err := c.Classify(context.Background(), []byte("img"))
			assert.NoError(t, err)
			assert.Equal(t, "meningioma", pred.Label)
		}()
	}
	wg.Wait()
}
