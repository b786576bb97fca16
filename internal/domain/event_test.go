package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEventCheckoutCompleted(t *testing.T) {
	body := []byte(`{
		"id": "evt_1",
		"type": "checkout.session.completed",
		"created": 1772366400,
		"data": {"object": {
			"id": "cs_1",
			"customer": "cus_1",
			"subscription": "sub_ext_1",
			"payment_intent": "pi_1",
			"payment_method_types": ["upi"],
			"metadata": {"userId": "u1", "semester": "3", "branch": "cse", "subscriptionType": "annual",
				"offerId": "off_1", "originalPrice": "2999", "price": "2400"}
		}}
	}`)

	ev, err := ParseEvent(body)
	require.NoError(t, err)

	cc, ok := ev.(CheckoutCompleted)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, "evt_1", cc.Meta().ID)
	assert.Equal(t, time.Unix(1772366400, 0).UTC(), cc.Created)
	assert.Equal(t, "cus_1", cc.ExternalCustomerID)
	assert.Equal(t, "sub_ext_1", cc.ExternalSubscriptionID)
	assert.Equal(t, "pi_1", cc.PaymentID)
	assert.Equal(t, "upi", cc.PaymentMethod)
	assert.Equal(t, 3, cc.Purchase.Semester)
	assert.Equal(t, TypeAnnual, cc.Purchase.SubscriptionType)
	require.NotNil(t, cc.Purchase.OfferID)
	assert.Equal(t, "off_1", *cc.Purchase.OfferID)
	assert.Equal(t, int64(2400), cc.Purchase.Price)
}

func TestParseEventCheckoutPaymentMethod(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"id":"evt_1","type":"checkout.session.completed","created":1,"data":{"object":{"id":"cs_1","payment_method_types":["card","upi"]}}}`))
	require.NoError(t, err)
	assert.Empty(t, ev.(CheckoutCompleted).PaymentMethod, "ambiguous when several methods were offered")

	ev, err = ParseEvent([]byte(`{"id":"evt_1","type":"checkout.session.completed","created":1,"data":{"object":{"id":"cs_1"}}}`))
	require.NoError(t, err)
	assert.Empty(t, ev.(CheckoutCompleted).PaymentMethod)
}

func TestParseEventCheckoutExpired(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"id":"evt_9","type":"checkout.session.expired","created":5,"data":{"object":{"id":"cs_9"}}}`))
	require.NoError(t, err)
	assert.Equal(t, CheckoutExpired{EventMeta: EventMeta{ID: "evt_9", Type: EventCheckoutExpired, Created: time.Unix(5, 0).UTC()}, SessionID: "cs_9"}, ev)
}

func TestParseEventSubscriptionVariants(t *testing.T) {
	updated := []byte(`{"id":"evt_2","type":"customer.subscription.updated","created":10,
		"data":{"object":{"id":"sub_ext_1","customer":"cus_1","status":"past_due","current_period_start":100,"current_period_end":200}}}`)
	ev, err := ParseEvent(updated)
	require.NoError(t, err)
	su, ok := ev.(SubscriptionUpdated)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, StatusPastDue, su.Status)
	assert.Equal(t, time.Unix(200, 0).UTC(), su.PeriodEnd)

	created := []byte(`{"id":"evt_3","type":"customer.subscription.created","created":10,"data":{"object":{"id":"s","status":"trialing"}}}`)
	ev, err = ParseEvent(created)
	require.NoError(t, err)
	sc, ok := ev.(SubscriptionCreated)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, StatusActive, sc.Status)
	assert.True(t, sc.PeriodStart.IsZero())

	deleted := []byte(`{"id":"evt_4","type":"customer.subscription.deleted","created":10,"data":{"object":{"id":"sub_ext_1"}}}`)
	ev, err = ParseEvent(deleted)
	require.NoError(t, err)
	assert.Equal(t, SubscriptionDeleted{EventMeta: EventMeta{ID: "evt_4", Type: EventSubscriptionDeleted, Created: time.Unix(10, 0).UTC()}, ExternalSubscriptionID: "sub_ext_1"}, ev)
}

func TestParseEventInvoices(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"id":"evt_5","type":"invoice.payment_succeeded","created":1,"data":{"object":{"subscription":"sub_ext_1","payment_intent":"pi_9"}}}`))
	require.NoError(t, err)
	paid, ok := ev.(InvoicePaid)
	require.True(t, ok)
	assert.Equal(t, "pi_9", paid.PaymentID)

	ev, err = ParseEvent([]byte(`{"id":"evt_6","type":"invoice.payment_failed","created":1,"data":{"object":{"subscription":"sub_ext_1"}}}`))
	require.NoError(t, err)
	_, ok = ev.(InvoiceFailed)
	assert.True(t, ok)
}

func TestParseEventUnknownAndMalformed(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"id":"evt_7","type":"charge.refunded","created":1,"data":{"object":{}}}`))
	require.NoError(t, err)
	assert.IsType(t, UnknownEvent{}, ev)

	_, err = ParseEvent([]byte(`not json`))
	assert.Error(t, err)

	_, err = ParseEvent([]byte(`{"type":"invoice.payment_failed"}`))
	assert.Error(t, err)

	_, err = ParseEvent([]byte(`{"id":"evt_8","type":"invoice.payment_failed","data":{"object":"oops"}}`))
	assert.Error(t, err)
}

func TestMapGatewayStatus(t *testing.T) {
	cases := map[string]string{
		"active":             StatusActive,
		"trialing":           StatusActive,
		"past_due":           StatusPastDue,
		"unpaid":             StatusPastDue,
		"canceled":           StatusCancelled,
		"incomplete_expired": StatusExpired,
		"incomplete":         StatusPending,
		"":                   StatusPending,
	}
	for in, want := range cases {
		assert.Equal(t, want, MapGatewayStatus(in), in)
	}
}

func TestPurchaseMetadataRoundTrip(t *testing.T) {
	offer := "off_1"
	p := PurchaseMetadata{UserID: "u1", Semester: 2, Branch: "cse", SubscriptionType: TypeSemester, OfferID: &offer, OriginalPrice: 999, Price: 499}
	assert.Equal(t, p, parsePurchase(p.Map()))

	p.OfferID = nil
	_, has := p.Map()[MetaOfferID]
	assert.False(t, has)
}
