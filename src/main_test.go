package main

import (
	"context"
	"fmt"
	"io"
	"lsm/src/boot"
	"lsm/src/config"
	"lsm/src/events"
	"lsm/src/models"
	"lsm/src/payment"
	"lsm/src/repo"
	"lsm/src/types"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
	"github.com/tidwall/gjson"
)

const (
	testJWTSecret     = "test-secret"
	testNotifySecret  = "wechat-notify"
	testWebhookSecret = "whsec_test"
)

type fakeCard struct{}

func (fakeCard) CreatePaymentIntent(ctx context.Context, o *models.Order, cents int64) (*payment.CardIntent, error) {
	return &payment.CardIntent{ID: "pi_" + o.OrderNo, ClientSecret: "pi_secret"}, nil
}

func (fakeCard) Refund(ctx context.Context, paymentIntentID string, cents int64, idempotencyKey string) (string, error) {
	return "re_" + paymentIntentID, nil
}

type TestSuite struct {
	suite.Suite
	router   *gin.Engine
	store    *repo.MemoryStore
	recorder *events.Recorder
	user     models.User
	other    models.User
	merchant models.User
	admin    models.User
	shop     models.Store
	room     models.Room
}

func (s *TestSuite) SetupSuite() {
	gin.SetMode(gin.TestMode)
	os.Setenv("JWT_SECRET", testJWTSecret)
	os.Setenv("WECHAT_NOTIFY_SECRET", testNotifySecret)
	os.Setenv("STRIPE_WEBHOOK_SECRET", testWebhookSecret)
	os.Setenv("MAINTENANCE_MODE", "false")
	registerValidators()
}

func (s *TestSuite) SetupTest() {
	s.store = repo.NewMemoryStore(2 * time.Second)
	s.recorder = &events.Recorder{}
	svc := boot.NewServices(config.DefaultPolicy(), boot.Deps{
		Store:   s.store,
		Intents: payment.NewMemoryIntentStore(time.Now),
		Events:  s.recorder,
		Gateways: map[types.PaymentMethod]payment.Gateway{
			types.PAYMENT_WECHAT: payment.SandboxGateway{Scheme: "weixin"},
		},
		Card: fakeCard{},
	})

	s.user = s.store.PutUser(models.User{Name: "liu", Email: "liu@example.com", Balance: decimal.NewFromInt(500)})
	s.other = s.store.PutUser(models.User{Name: "wang", Balance: decimal.NewFromInt(500)})
	s.merchant = s.store.PutUser(models.User{Name: "boss", Role: types.ROLE_MERCHANT})
	s.admin = s.store.PutUser(models.User{Name: "ops", Role: types.ROLE_ADMIN})
	s.shop = s.store.PutStore(models.Store{OwnerID: s.merchant.ID, Name: "Sing Along", Active: true})
	s.room = s.store.PutRoom(models.Room{StoreID: s.shop.ID, Name: "Big Room", Capacity: 4, HourlyPrice: decimal.NewFromInt(100)})

	router := setupRouter()
	router = maintenanceModeMiddleware(router)
	registerRoutes(router, svc)
	s.router = router
}

func TestMainSuite(t *testing.T) {
	suite.Run(t, new(TestSuite))
}

func (s *TestSuite) token(u models.User) string {
	claims := types.Claims{
		Role: string(u.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatUint(uint64(u.ID), 10),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	s.Require().NoError(err)
	return signed
}

func (s *TestSuite) do(method, target string, body string, as *models.User, headers ...string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	req.Header.Set("Content-Type", "application/json")
	if as != nil {
		req.Header.Set("Authorization", "Bearer "+s.token(*as))
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *TestSuite) bookingBody(start, end time.Time) string {
	return fmt.Sprintf(`{"store_id":%d,"room_id":%d,"start_time":%q,"end_time":%q,"guest_count":3,"contact_phone":"13800000000"}`,
		s.shop.ID, s.room.ID, start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339))
}

func (s *TestSuite) book(start time.Time, hours int) gjson.Result {
	w := s.do(http.MethodPost, "/api/v1/bookings", s.bookingBody(start, start.Add(time.Duration(hours)*time.Hour)), &s.user)
	s.Require().Equal(http.StatusCreated, w.Code, w.Body.String())
	return gjson.Parse(w.Body.String())
}

func (s *TestSuite) later() time.Time {
	return time.Now().Add(48 * time.Hour).Truncate(time.Hour)
}

func (s *TestSuite) TestHealthAndSecureHeaders() {
	w := s.do(http.MethodGet, "/", "", nil)

	s.Equal(http.StatusOK, w.Code)
	s.Equal("nosniff", w.Header().Get("X-Content-Type-Options"))
	s.Equal("DENY", w.Header().Get("X-Frame-Options"))
}

func (s *TestSuite) TestRequiresToken() {
	s.Equal(http.StatusUnauthorized, s.do(http.MethodGet, "/api/v1/wallet", "", nil).Code)

	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, types.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: strconv.FormatUint(uint64(s.user.ID), 10)},
	}).SignedString([]byte("not-the-secret"))
	s.Require().NoError(err)
	w := s.do(http.MethodGet, "/api/v1/wallet", "", nil, "Authorization", "Bearer "+forged)
	s.Equal(http.StatusUnauthorized, w.Code)
}

func (s *TestSuite) TestMaintenanceMode() {
	os.Setenv("MAINTENANCE_MODE", "true")
	defer os.Setenv("MAINTENANCE_MODE", "false")

	w := s.do(http.MethodGet, "/api/v1/wallet", "", &s.user)
	s.Equal(http.StatusServiceUnavailable, w.Code)
}

func (s *TestSuite) TestBookPayAndCancel() {
	created := s.book(s.later(), 2)
	id := created.Get("data.id").Uint()
	s.Equal("pending", created.Get("data.status").String())
	s.Equal("260", created.Get("data.total_amount").String())
	s.Len(created.Get("verification_code").String(), 6)

	w := s.do(http.MethodPost, fmt.Sprintf("/api/v1/orders/%d/pay", id), `{"method":"balance"}`, &s.user)
	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	s.True(gjson.Get(w.Body.String(), "data.settled").Bool())
	s.Equal("paid", gjson.Get(w.Body.String(), "data.order.status").String())

	w = s.do(http.MethodGet, "/api/v1/points", "", &s.user)
	s.Equal(int64(13), gjson.Get(w.Body.String(), "data.balance").Int())
	w = s.do(http.MethodGet, "/api/v1/wallet", "", &s.user)
	s.Equal("240", gjson.Get(w.Body.String(), "data.balance").String())

	w = s.do(http.MethodPost, fmt.Sprintf("/api/v1/bookings/%d/cancel", id), `{"reason":"plans changed"}`, &s.user)
	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	s.Equal("cancelled", gjson.Get(w.Body.String(), "data.status").String())

	w = s.do(http.MethodGet, "/api/v1/wallet", "", &s.user)
	s.Equal("500", gjson.Get(w.Body.String(), "data.balance").String())
	w = s.do(http.MethodGet, "/api/v1/points", "", &s.user)
	s.Equal(int64(0), gjson.Get(w.Body.String(), "data.balance").Int())
	s.Contains(s.recorder.Names(), events.OrderRefunded)
}

func (s *TestSuite) TestBookingValidation() {
	past := time.Now().Add(-2 * time.Hour)
	w := s.do(http.MethodPost, "/api/v1/bookings", s.bookingBody(past, past.Add(time.Hour)), &s.user)
	s.Equal(http.StatusBadRequest, w.Code)
	s.Equal("INVALID_TIME_RANGE", gjson.Get(w.Body.String(), "code").String())

	start := s.later()
	w = s.do(http.MethodPost, "/api/v1/bookings", s.bookingBody(start, start.Add(-time.Hour)), &s.user)
	s.Equal("INVALID_TIME_RANGE", gjson.Get(w.Body.String(), "code").String())

	w = s.do(http.MethodPost, "/api/v1/bookings", `{"store_id":1}`, &s.user)
	s.Equal(http.StatusBadRequest, w.Code)
	s.Equal("INVALID_REQUEST", gjson.Get(w.Body.String(), "code").String())
}

func (s *TestSuite) TestOverlappingBookingConflicts() {
	start := s.later()
	s.book(start, 2)

	w := s.do(http.MethodPost, "/api/v1/bookings", s.bookingBody(start.Add(time.Hour), start.Add(3*time.Hour)), &s.user)
	s.Equal(http.StatusConflict, w.Code)
	s.Equal("SLOT_UNAVAILABLE", gjson.Get(w.Body.String(), "code").String())

	s.book(start.Add(2*time.Hour), 1)
}

func (s *TestSuite) TestRoomAvailability() {
	start := s.later()
	q := url.Values{}
	q.Set("start", start.UTC().Format(time.RFC3339))
	q.Set("end", start.Add(time.Hour).UTC().Format(time.RFC3339))
	target := fmt.Sprintf("/api/v1/rooms/%d/availability?%s", s.room.ID, q.Encode())

	w := s.do(http.MethodGet, target, "", nil)
	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	s.True(gjson.Get(w.Body.String(), "data.available").Bool())

	s.book(start, 2)
	w = s.do(http.MethodGet, target, "", nil)
	s.False(gjson.Get(w.Body.String(), "data.available").Bool())
}

func (s *TestSuite) TestOrderVisibility() {
	id := s.book(s.later(), 1).Get("data.id").Uint()
	target := fmt.Sprintf("/api/v1/orders/%d", id)

	s.Equal(http.StatusOK, s.do(http.MethodGet, target, "", &s.user).Code)
	s.Equal(http.StatusOK, s.do(http.MethodGet, target, "", &s.merchant).Code)

	w := s.do(http.MethodGet, target, "", &s.other)
	s.Equal(http.StatusNotFound, w.Code)
	s.Equal("ORDER_NOT_FOUND", gjson.Get(w.Body.String(), "code").String())

	w = s.do(http.MethodPost, target+"/pay", `{"method":"balance"}`, &s.other)
	s.Equal(http.StatusForbidden, w.Code)
}

func (s *TestSuite) TestInsufficientBalance() {
	id := s.book(s.later(), 6).Get("data.id").Uint()

	w := s.do(http.MethodPost, fmt.Sprintf("/api/v1/orders/%d/pay", id), `{"method":"balance"}`, &s.user)
	s.Equal(http.StatusUnprocessableEntity, w.Code)
	s.Equal("INSUFFICIENT_BALANCE", gjson.Get(w.Body.String(), "code").String())
}

func (s *TestSuite) callback(body, signature string) *httptest.ResponseRecorder {
	return s.do(http.MethodPost, "/api/v1/payments/wechat/callback", body, nil, callbackSignatureHeader, signature)
}

func (s *TestSuite) TestWechatPaymentCallback() {
	id := s.book(s.later(), 2).Get("data.id").Uint()
	w := s.do(http.MethodPost, fmt.Sprintf("/api/v1/orders/%d/pay", id), `{"method":"wechat"}`, &s.user)
	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	res := gjson.Parse(w.Body.String())
	s.False(res.Get("data.settled").Bool())
	s.True(strings.HasPrefix(res.Get("data.payment.code_url").String(), "weixin://"))
	txn := res.Get("data.payment.transaction_id").String()

	body := fmt.Sprintf(`{"transaction_id":%q,"status":"success","amount":"260.00"}`, txn)
	s.Equal(http.StatusUnauthorized, s.callback(body, "deadbeef").Code)

	sig := payment.SignCallback(testNotifySecret, []byte(body))
	w = s.callback(body, sig)
	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	s.Equal("paid", gjson.Get(w.Body.String(), "data.outcome").String())

	w = s.callback(body, sig)
	s.Equal(http.StatusOK, w.Code)
	s.Equal("already_processed", gjson.Get(w.Body.String(), "data.outcome").String())
	s.Equal(types.ORDER_PAID, s.store.Order(uint(id)).Status)

	tampered := strings.Replace(body, "260.00", "1.00", 1)
	w = s.callback(tampered, payment.SignCallback(testNotifySecret, []byte(tampered)))
	s.Equal(http.StatusBadRequest, w.Code)
	s.Equal("AMOUNT_MISMATCH", gjson.Get(w.Body.String(), "code").String())
}

func (s *TestSuite) TestStripeWebhookSettlesCardPayment() {
	id := s.book(s.later(), 2).Get("data.id").Uint()
	w := s.do(http.MethodPost, fmt.Sprintf("/api/v1/orders/%d/pay", id), `{"method":"card"}`, &s.user)
	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	pi := gjson.Get(w.Body.String(), "data.payment.transaction_id").String()
	s.Equal("pi_secret", gjson.Get(w.Body.String(), "data.payment.client_secret").String())

	payload := fmt.Sprintf(`{"id":"evt_1","object":"event","api_version":%q,"type":"payment_intent.succeeded","data":{"object":{"id":%q,"object":"payment_intent","amount":26000,"status":"succeeded"}}}`,
		stripe.APIVersion, pi)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
	})

	w = s.do(http.MethodPost, "/api/v1/webhook/stripe", payload, nil, "Stripe-Signature", "t=1,v1=bad")
	s.Equal(http.StatusBadRequest, w.Code)

	w = s.do(http.MethodPost, "/api/v1/webhook/stripe", payload, nil, "Stripe-Signature", signed.Header)
	s.Require().Equal(http.StatusNoContent, w.Code, w.Body.String())
	s.Equal(types.ORDER_PAID, s.store.Order(uint(id)).Status)
	s.Equal(types.PAYMENT_CARD, s.store.Order(uint(id)).PaymentMethod)
}

func (s *TestSuite) TestMerchantCheckIn() {
	start := time.Now().Add(10 * time.Minute)
	created := s.book(start, 1)
	id := created.Get("data.id").Uint()
	code := created.Get("verification_code").String()
	s.Require().Equal(http.StatusOK, s.do(http.MethodPost, fmt.Sprintf("/api/v1/orders/%d/pay", id), `{"method":"balance"}`, &s.user).Code)

	verify := fmt.Sprintf("/api/v1/merchant/orders/%d/verify", id)
	s.Equal(http.StatusForbidden, s.do(http.MethodPost, verify, fmt.Sprintf(`{"code":%q}`, code), &s.user).Code)

	w := s.do(http.MethodPost, verify, `{"code":"000000"}`, &s.merchant)
	if code != "000000" {
		s.Equal("INVALID_VERIFICATION_CODE", gjson.Get(w.Body.String(), "code").String())
	}

	w = s.do(http.MethodPost, verify, fmt.Sprintf(`{"code":%q}`, code), &s.merchant)
	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	s.Equal("confirmed", gjson.Get(w.Body.String(), "data.status").String())

	w = s.do(http.MethodPost, fmt.Sprintf("/api/v1/merchant/orders/%d/start", id), "", &s.merchant)
	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	s.Equal("in_progress", gjson.Get(w.Body.String(), "data.status").String())

	w = s.do(http.MethodPost, fmt.Sprintf("/api/v1/merchant/orders/%d/complete", id), "", &s.merchant)
	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	s.Equal("completed", gjson.Get(w.Body.String(), "data.status").String())
	s.Equal(types.ROOM_AVAILABLE, s.store.Room(s.room.ID).Status)
}

func (s *TestSuite) TestRefundEndpoint() {
	id := s.book(s.later(), 2).Get("data.id").Uint()
	target := fmt.Sprintf("/api/v1/orders/%d/refund", id)

	w := s.do(http.MethodPost, target, `{"reason":"changed mind"}`, &s.user)
	s.Equal(http.StatusConflict, w.Code)
	s.Equal("ORDER_NOT_PAID", gjson.Get(w.Body.String(), "code").String())

	s.Require().Equal(http.StatusOK, s.do(http.MethodPost, fmt.Sprintf("/api/v1/orders/%d/pay", id), `{"method":"balance"}`, &s.user).Code)
	w = s.do(http.MethodPost, target, `{"reason":"changed mind","amount":"999"}`, &s.user)
	s.Equal("INVALID_REFUND_AMOUNT", gjson.Get(w.Body.String(), "code").String())

	w = s.do(http.MethodPost, target, `{"reason":"changed mind"}`, &s.user)
	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	s.Equal("260", gjson.Get(w.Body.String(), "data.amount").String())
	s.Equal(types.ORDER_REFUNDED, s.store.Order(uint(id)).Status)

	w = s.do(http.MethodPost, target, `{"reason":"again"}`, &s.user)
	s.Equal("ALREADY_REFUNDED", gjson.Get(w.Body.String(), "code").String())
}

func (s *TestSuite) TestPointsEndpoints() {
	adjust := fmt.Sprintf(`{"user_id":%d,"amount":300,"reason":"goodwill"}`, s.user.ID)
	s.Equal(http.StatusForbidden, s.do(http.MethodPost, "/api/v1/admin/points/adjust", adjust, &s.user).Code)

	w := s.do(http.MethodPost, "/api/v1/admin/points/adjust", adjust, &s.admin)
	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())

	w = s.do(http.MethodPost, "/api/v1/points/use", `{"amount":100,"reason":"coffee"}`, &s.user)
	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())

	w = s.do(http.MethodGet, "/api/v1/points", "", &s.user)
	s.Equal(int64(200), gjson.Get(w.Body.String(), "data.balance").Int())

	w = s.do(http.MethodPost, "/api/v1/points/use", `{"amount":500,"reason":"tv"}`, &s.user)
	s.Equal(http.StatusUnprocessableEntity, w.Code)
	s.Equal("INSUFFICIENT_POINTS", gjson.Get(w.Body.String(), "code").String())

	w = s.do(http.MethodGet, "/api/v1/points/history", "", &s.user)
	s.Equal(int64(2), gjson.Get(w.Body.String(), "count").Int())
}
