package services

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
)

func TestGenerateClickID(t *testing.T) {
	id := GenerateClickID()
	assert.True(t, strings.HasPrefix(id, "CHECK"))
	assert.Len(t, id, 21)

	datePart := id[5:13]
	_, err := time.Parse("20060102", datePart)
	assert.NoError(t, err)
}

func TestClickService_TrackClick(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewClickService(db, nil)

	t.Run("records click and appends clickid to redirect", func(t *testing.T) {
		mock.ExpectQuery("INSERT INTO click_tracking").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(5))

		body, _ := json.Marshal(map[string]interface{}{
			"user_id":    42,
			"coupon_url": "https://store.example.com/deal?ref=x",
		})
		req := httptest.NewRequest("POST", "/clicks", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		service.TrackClick(w, req)

		assert.Equal(t, http.StatusCreated, w.Code)
		var response map[string]interface{}
		json.Unmarshal(w.Body.Bytes(), &response)
		assert.Equal(t, true, response["success"])
		// Existing query string means the clickid is appended with &.
		assert.Contains(t, response["final_url"], "&clickid=CHECK")
	})

	t.Run("missing coupon_url fails validation", func(t *testing.T) {
		body, _ := json.Marshal(map[string]interface{}{"user_id": 42})
		req := httptest.NewRequest("POST", "/clicks", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		service.TrackClick(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("invalid body is rejected", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/clicks", bytes.NewBuffer([]byte("not json")))
		w := httptest.NewRecorder()

		service.TrackClick(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestClickService_Resolve(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	clickColumns := []string{"id", "clickid", "user_id", "campaign_id", "coupon_url",
		"final_redirect_url", "ip_address", "user_agent", "created_at"}

	t.Run("cache miss falls through to the database and backfills", func(t *testing.T) {
		redisClient, redisMock := redismock.NewClientMock()
		service := NewClickService(db, redisClient)

		redisMock.ExpectGet("click:CHECK123").RedisNil()

		mock.ExpectQuery("SELECT id, clickid, user_id, campaign_id").
			WithArgs("CHECK123").
			WillReturnRows(sqlmock.NewRows(clickColumns).
				AddRow(5, "CHECK123", 42, nil, "https://store.example.com/deal",
					"https://store.example.com/deal?clickid=CHECK123", "", "", time.Now()))

		redisMock.Regexp().ExpectSet("click:CHECK123", `.*`, clickCacheTTL).SetVal("OK")

		click, err := service.Resolve(context.Background(), "CHECK123")
		assert.NoError(t, err)
		assert.Equal(t, int64(5), click.ID)
		assert.Equal(t, int64(42), *click.UserID)
	})

	t.Run("cache hit skips the database", func(t *testing.T) {
		redisClient, redisMock := redismock.NewClientMock()
		service := NewClickService(db, redisClient)

		cached, _ := json.Marshal(map[string]interface{}{
			"id": 5, "clickid": "CHECK123",
		})
		redisMock.ExpectGet("click:CHECK123").SetVal(string(cached))

		click, err := service.Resolve(context.Background(), "CHECK123")
		assert.NoError(t, err)
		assert.Equal(t, "CHECK123", click.ClickID)
	})

	t.Run("unknown click maps to ErrUnknownClick", func(t *testing.T) {
		service := NewClickService(db, nil)

		mock.ExpectQuery("SELECT id, clickid, user_id, campaign_id").
			WithArgs("NOPE").
			WillReturnRows(sqlmock.NewRows(clickColumns))

		_, err := service.Resolve(context.Background(), "NOPE")
		assert.ErrorIs(t, err, ErrUnknownClick)
	})
}
