package payment

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-poster/internal/order"
	"github.com/noah-isme/backend-poster/internal/pricing"
)

type mapIntents map[string]Intent

func (m mapIntents) Save(context.Context, Intent, time.Duration) error { return nil }

func (m mapIntents) Load(_ context.Context, id string) (Intent, error) {
	intent, ok := m[id]
	if !ok {
		return Intent{}, ErrIntentNotFound
	}
	return intent, nil
}

func (m mapIntents) Current(context.Context, uuid.UUID) (Intent, error) {
	return Intent{}, ErrIntentNotFound
}

func (m mapIntents) Settle(context.Context, uuid.UUID, string) error { return nil }

// memCommitter mimics the unique payment reference constraint.
type memCommitter struct {
	mu     sync.Mutex
	byRef  map[string]order.Order
	drafts []order.Draft
	err    error
}

func newMemCommitter() *memCommitter {
	return &memCommitter{byRef: map[string]order.Order{}}
}

func (m *memCommitter) CommitPaid(_ context.Context, d order.Draft) (order.Order, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.byRef[d.PaymentRef]; ok {
		return existing, true, nil
	}
	if m.err != nil {
		return order.Order{}, false, m.err
	}
	m.drafts = append(m.drafts, d)
	o := order.Order{ID: uuid.New(), CustomerID: d.CustomerID, Status: order.StatusPaid, FinalAmount: d.Quote.FinalAmount}
	m.byRef[d.PaymentRef] = o
	return o, false, nil
}

func (m *memCommitter) ByPaymentRef(_ context.Context, ref string) (order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.byRef[ref]
	if !ok {
		return order.Order{}, order.ErrOrderNotFound
	}
	return o, nil
}

const testSecret = "rzp_test_secret"

func verifierFixture(customer uuid.UUID) (*Verifier, *memCommitter, Intent) {
	intent := Intent{
		GatewayOrderID: "order_V1",
		CustomerID:     customer,
		Amount:         249,
		AmountMinor:    24900,
		Currency:       "INR",
		Quote:          pricing.Quote{TotalQty: 4, Subtotal: 396, Discount: 147, FinalAmount: 249},
		Lines:          []pricing.Line{{ProductID: uuid.New(), Quantity: 4, UnitPrice: 99}},
	}
	committer := newMemCommitter()
	v := &Verifier{
		Secret:    testSecret,
		Intents:   mapIntents{intent.GatewayOrderID: intent},
		Committer: committer,
		Logger:    zerolog.Nop(),
	}
	return v, committer, intent
}

func TestVerifyAuthenticCommitsBoundIntent(t *testing.T) {
	customer := uuid.New()
	v, committer, intent := verifierFixture(customer)

	cb := Callback{GatewayOrderID: "order_V1", GatewayPaymentID: "pay_1", Signature: Sign(testSecret, "order_V1", "pay_1")}
	res, err := v.Verify(context.Background(), customer, cb)
	require.NoError(t, err)
	require.Equal(t, StateVerifiedPaid, res.State)
	require.Equal(t, order.StatusPaid, res.Status)
	require.False(t, res.Duplicate)

	require.Len(t, committer.drafts, 1)
	d := committer.drafts[0]
	require.Equal(t, intent.Quote, d.Quote)
	require.Equal(t, intent.Lines, d.Lines)
	require.Equal(t, "pay_1", d.PaymentRef)
	require.Equal(t, "order_V1", d.GatewayOrderID)
}

func TestVerifyForgedHasNoSideEffects(t *testing.T) {
	customer := uuid.New()
	v, committer, _ := verifierFixture(customer)
	var buf bytes.Buffer
	v.Logger = zerolog.New(&buf)

	sig := []byte(Sign(testSecret, "order_V1", "pay_1"))
	sig[0] ^= 1
	res, err := v.Verify(context.Background(), customer, Callback{GatewayOrderID: "order_V1", GatewayPaymentID: "pay_1", Signature: string(sig)})
	require.ErrorIs(t, err, ErrSignatureMismatch)
	require.True(t, IsRejection(err))
	require.Equal(t, StateRejectedForged, res.State)
	require.Empty(t, committer.drafts)
	require.Contains(t, buf.String(), "security.signature_mismatch")
}

func TestVerifyComparesRawValues(t *testing.T) {
	customer := uuid.New()
	v, committer, _ := verifierFixture(customer)
	sig := Sign(testSecret, "order_V1", "pay_1")

	for name, cb := range map[string]Callback{
		"trailing space in signature": {GatewayOrderID: "order_V1", GatewayPaymentID: "pay_1", Signature: sig + " "},
		"leading space in signature":  {GatewayOrderID: "order_V1", GatewayPaymentID: "pay_1", Signature: " " + sig},
		"padded payment id":           {GatewayOrderID: "order_V1", GatewayPaymentID: "pay_1 ", Signature: sig},
		"upper case signature":        {GatewayOrderID: "order_V1", GatewayPaymentID: "pay_1", Signature: strings.ToUpper(sig)},
	} {
		t.Run(name, func(t *testing.T) {
			res, err := v.Verify(context.Background(), customer, cb)
			require.ErrorIs(t, err, ErrSignatureMismatch)
			require.Equal(t, StateRejectedForged, res.State)
		})
	}
	require.Empty(t, committer.drafts)
}

func TestVerifyUnmatchedPaymentIsNotARejection(t *testing.T) {
	customer := uuid.New()
	v, committer, _ := verifierFixture(customer)
	committer.err = order.ErrCartAlreadyOrdered

	cb := Callback{GatewayOrderID: "order_V1", GatewayPaymentID: "pay_2", Signature: Sign(testSecret, "order_V1", "pay_2")}
	_, err := v.Verify(context.Background(), customer, cb)
	require.ErrorIs(t, err, order.ErrCartAlreadyOrdered)
	require.False(t, IsRejection(err))
}

func TestVerifyDuplicatePaymentReturnsPriorOrder(t *testing.T) {
	customer := uuid.New()
	v, committer, _ := verifierFixture(customer)
	cb := Callback{GatewayOrderID: "order_V1", GatewayPaymentID: "pay_1", Signature: Sign(testSecret, "order_V1", "pay_1")}

	first, err := v.Verify(context.Background(), customer, cb)
	require.NoError(t, err)
	second, err := v.Verify(context.Background(), customer, cb)
	require.NoError(t, err)

	require.True(t, second.Duplicate)
	require.Equal(t, first.OrderID, second.OrderID)
	require.Equal(t, order.StatusPaid, second.Status)
	require.Len(t, committer.drafts, 1)
}

func TestVerifyConcurrentDuplicatesCommitOnce(t *testing.T) {
	customer := uuid.New()
	v, committer, _ := verifierFixture(customer)
	cb := Callback{GatewayOrderID: "order_V1", GatewayPaymentID: "pay_1", Signature: Sign(testSecret, "order_V1", "pay_1")}

	var wg sync.WaitGroup
	ids := make([]uuid.UUID, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := v.Verify(context.Background(), customer, cb)
			if err == nil {
				ids[i] = res.OrderID
			}
		}(i)
	}
	wg.Wait()

	require.Len(t, committer.drafts, 1)
	for _, id := range ids {
		require.Equal(t, ids[0], id)
	}
}

func TestVerifyUnknownIntentRejected(t *testing.T) {
	customer := uuid.New()
	v, committer, _ := verifierFixture(customer)
	cb := Callback{GatewayOrderID: "order_other", GatewayPaymentID: "pay_9", Signature: Sign(testSecret, "order_other", "pay_9")}

	_, err := v.Verify(context.Background(), customer, cb)
	require.ErrorIs(t, err, ErrIntentNotFound)
	require.True(t, IsRejection(err))
	require.Empty(t, committer.drafts)
}

func TestVerifyOtherCustomerRejected(t *testing.T) {
	owner := uuid.New()
	v, committer, _ := verifierFixture(owner)
	cb := Callback{GatewayOrderID: "order_V1", GatewayPaymentID: "pay_1", Signature: Sign(testSecret, "order_V1", "pay_1")}

	_, err := v.Verify(context.Background(), uuid.New(), cb)
	require.ErrorIs(t, err, ErrIntentOwnership)
	require.Empty(t, committer.drafts)

	_, err = v.Verify(context.Background(), owner, cb)
	require.NoError(t, err)
	_, err = v.Verify(context.Background(), uuid.New(), cb)
	require.ErrorIs(t, err, ErrIntentOwnership)
}

func TestVerifyMissingFieldsAreForged(t *testing.T) {
	customer := uuid.New()
	v, _, _ := verifierFixture(customer)
	_, err := v.Verify(context.Background(), customer, Callback{GatewayOrderID: "order_V1"})
	require.ErrorIs(t, err, ErrSignatureMismatch)
}

func TestSandboxPaymentVerifies(t *testing.T) {
	customer := uuid.New()
	v, _, _ := verifierFixture(customer)
	sandbox := Sandbox{Secret: testSecret}

	res, err := v.Verify(context.Background(), customer, sandbox.Pay("order_V1"))
	require.NoError(t, err)
	require.Equal(t, StateVerifiedPaid, res.State)
}
