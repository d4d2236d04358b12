package ledger_test

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/finance-engine/ledger"
	"github.com/warp/finance-engine/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const (
	usd ledger.CurrencyID = 1
	eur ledger.CurrencyID = 2
)

var testNow = time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	ctx      context.Context
	m        *ledger.Manager
	s        *store.Memory
	owner    ledger.OwnerID
	checking ledger.AccountID // usd
	savings  ledger.AccountID // usd
	travel   ledger.AccountID // eur
	tag      ledger.TagID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemory()
	owner := uuid.New()

	account := func(name string, currency ledger.CurrencyID) ledger.AccountID {
		id, err := s.SaveAccount(ctx, ledger.Account{OwnerID: owner, CurrencyID: currency, Name: name})
		require.NoError(t, err)
		return id
	}
	f := &fixture{
		ctx:      ctx,
		m:        ledger.NewManager(s, ledger.WithClock(func() time.Time { return testNow })),
		s:        s,
		owner:    owner,
		checking: account("checking", usd),
		savings:  account("savings", usd),
		travel:   account("travel", eur),
	}
	tag, err := s.SaveTag(ctx, ledger.Tag{OwnerID: owner, Name: "groceries"})
	require.NoError(t, err)
	f.tag = tag
	return f
}

func (f *fixture) apply(t *testing.T, delta, description string) ledger.EntryID {
	t.Helper()
	id, err := f.m.ApplyEntry(f.ctx, ledger.EntryInput{
		OwnerID:       f.owner,
		CategoryTagID: f.tag,
		AccountID:     f.checking,
		Delta:         dec(delta),
		Description:   description,
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) transfer(t *testing.T, from, to string) ledger.EntryID {
	t.Helper()
	id, err := f.m.ApplyTransfer(f.ctx, ledger.TransferInput{
		OwnerID:       f.owner,
		CategoryTagID: f.tag,
		FromAccountID: f.checking,
		ToAccountID:   f.travel,
		FromDelta:     dec(from),
		ToDelta:       dec(to),
		Description:   "fx",
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) balance(t *testing.T, account ledger.AccountID) string {
	t.Helper()
	b, err := f.m.AccountBalance(f.ctx, f.owner, account)
	require.NoError(t, err)
	return b.String()
}

// =============================================================================
// SIMPLE ENTRIES
// =============================================================================

func TestApplyEntry_DefaultsAndCurrency(t *testing.T) {
	f := newFixture(t)

	id := f.apply(t, "-12.50", "lunch")

	got, err := f.m.GetEntry(f.ctx, f.owner, id)
	require.NoError(t, err)
	assert.Equal(t, usd, got.CurrencyID)
	assert.True(t, testNow.Equal(got.CreatedAt))
	assert.Equal(t, "lunch", got.Description)
	assert.Nil(t, got.Metadata)
	assert.Equal(t, "-12.5", f.balance(t, f.checking))
}

func TestApplyEntry_Validation(t *testing.T) {
	f := newFixture(t)

	_, err := f.m.ApplyEntry(f.ctx, ledger.EntryInput{AccountID: f.checking, Delta: dec("1")})
	assert.ErrorIs(t, err, ledger.ErrInvalidInput, "missing owner")

	long := make([]byte, ledger.DefaultMaxDescriptionLength+1)
	for i := range long {
		long[i] = 'x'
	}
	_, err = f.m.ApplyEntry(f.ctx, ledger.EntryInput{OwnerID: f.owner, AccountID: f.checking, Description: string(long)})
	assert.ErrorIs(t, err, ledger.ErrInvalidInput, "description too long")
}

func TestApplyEntry_ForeignReferencesDenied(t *testing.T) {
	f := newFixture(t)
	stranger := uuid.New()
	foreignAccount, err := f.s.SaveAccount(f.ctx, ledger.Account{OwnerID: stranger, CurrencyID: usd})
	require.NoError(t, err)
	foreignTag, err := f.s.SaveTag(f.ctx, ledger.Tag{OwnerID: stranger})
	require.NoError(t, err)

	_, err = f.m.ApplyEntry(f.ctx, ledger.EntryInput{OwnerID: f.owner, AccountID: foreignAccount, Delta: dec("1")})
	assert.ErrorIs(t, err, ledger.ErrAccessDenied)

	_, err = f.m.ApplyEntry(f.ctx, ledger.EntryInput{OwnerID: f.owner, AccountID: f.checking, CategoryTagID: foreignTag, Delta: dec("1")})
	assert.ErrorIs(t, err, ledger.ErrAccessDenied)

	n, err := f.m.CountEntries(f.ctx, f.owner, ledger.Filter{})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEditEntry_RoundTrip(t *testing.T) {
	// GIVEN: A simple usd entry
	// WHEN: It is moved to the eur account with new fields
	// THEN: Every field changes and the currency follows the account
	f := newFixture(t)
	id := f.apply(t, "-10", "coffee")
	at := testNow.Add(-48 * time.Hour)

	err := f.m.EditEntry(f.ctx, f.owner, id, ledger.EntryEdit{
		CategoryTagID: f.tag,
		AccountID:     f.travel,
		CreatedAt:     at,
		Delta:         dec("-8.40"),
		Description:   "espresso",
	})
	require.NoError(t, err)

	got, err := f.m.GetEntry(f.ctx, f.owner, id)
	require.NoError(t, err)
	assert.Equal(t, f.travel, got.AccountID)
	assert.Equal(t, eur, got.CurrencyID)
	assert.True(t, at.Equal(got.CreatedAt))
	assert.True(t, dec("-8.40").Equal(got.Delta))
	assert.Equal(t, "espresso", got.Description)
}

func TestCancelEntry_Idempotency(t *testing.T) {
	f := newFixture(t)
	id := f.apply(t, "-5", "snack")

	require.NoError(t, f.m.CancelEntry(f.ctx, f.owner, id))
	assert.ErrorIs(t, f.m.CancelEntry(f.ctx, f.owner, id), ledger.ErrEntryNotFound)
}

func TestForeignEntryIsNotFound(t *testing.T) {
	f := newFixture(t)
	id := f.apply(t, "-5", "snack")
	stranger := uuid.New()

	assert.ErrorIs(t, f.m.CancelEntry(f.ctx, stranger, id), ledger.ErrEntryNotFound)
	_, err := f.m.GetEntry(f.ctx, stranger, id)
	assert.ErrorIs(t, err, ledger.ErrEntryNotFound)

	owns, err := f.m.UserOwnsEntry(f.ctx, stranger, id)
	require.NoError(t, err)
	assert.False(t, owns)

	owns, err = f.m.UserOwnsEntry(f.ctx, f.owner, id)
	require.NoError(t, err)
	assert.True(t, owns)
}

// =============================================================================
// TRANSFERS
// =============================================================================

func TestApplyTransfer_PairsLegs(t *testing.T) {
	// GIVEN: A cross-currency transfer with independent deltas
	// THEN: Both legs share metadata, the link names both, and each leg
	//       carries its own account's currency
	f := newFixture(t)
	fromID := f.transfer(t, "-100", "91.20")

	from, err := f.s.GetEntry(f.ctx, fromID)
	require.NoError(t, err)
	require.NotNil(t, from.MetadataID)

	md, err := f.s.GetMetadata(f.ctx, *from.MetadataID)
	require.NoError(t, err)
	assert.Equal(t, ledger.KindInternalTransfer, md.Kind)

	link, err := f.s.GetTransferLink(f.ctx, ledger.LinkID(md.Arg))
	require.NoError(t, err)
	assert.Equal(t, fromID, link.FromEntryID)

	to, err := f.s.GetEntry(f.ctx, link.ToEntryID)
	require.NoError(t, err)
	require.NotNil(t, to.MetadataID)
	assert.Equal(t, *from.MetadataID, *to.MetadataID)
	assert.Equal(t, usd, from.CurrencyID)
	assert.Equal(t, eur, to.CurrencyID)

	assert.Equal(t, "-100", f.balance(t, f.checking))
	assert.Equal(t, "91.2", f.balance(t, f.travel))
}

func TestApplyTransfer_SameAccountRejected(t *testing.T) {
	f := newFixture(t)
	_, err := f.m.ApplyTransfer(f.ctx, ledger.TransferInput{
		OwnerID: f.owner, FromAccountID: f.checking, ToAccountID: f.checking,
	})
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)
}

func TestCancelTransfer_EitherLegRemovesEverything(t *testing.T) {
	for _, cancelFrom := range []bool{true, false} {
		name := "to leg"
		if cancelFrom {
			name = "from leg"
		}
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			fromID := f.transfer(t, "-100", "92")

			rich, err := f.m.GetEntry(f.ctx, f.owner, fromID)
			require.NoError(t, err)
			ref, ok := rich.Metadata.(ledger.TransferRef)
			require.True(t, ok)
			assert.True(t, ref.IsFrom)

			target := fromID
			if !cancelFrom {
				target = ref.Linked.ID
			}
			require.NoError(t, f.m.CancelEntry(f.ctx, f.owner, target))

			_, err = f.s.GetEntry(f.ctx, fromID)
			assert.ErrorIs(t, err, ledger.ErrEntryNotFound)
			_, err = f.s.GetEntry(f.ctx, ref.Linked.ID)
			assert.ErrorIs(t, err, ledger.ErrEntryNotFound)
			_, err = f.s.GetTransferLink(f.ctx, ref.LinkID)
			assert.ErrorIs(t, err, ledger.ErrLinkNotFound)
			_, err = f.s.GetMetadata(f.ctx, *rich.MetadataID)
			assert.ErrorIs(t, err, ledger.ErrMetadataNotFound)

			assert.ErrorIs(t, f.m.CancelEntry(f.ctx, f.owner, ref.Linked.ID), ledger.ErrEntryNotFound)
			assert.ErrorIs(t, f.m.CancelEntry(f.ctx, f.owner, fromID), ledger.ErrEntryNotFound)
		})
	}
}

func TestEditEntry_TransferLegOnly(t *testing.T) {
	f := newFixture(t)
	fromID := f.transfer(t, "-100", "92")

	err := f.m.EditEntry(f.ctx, f.owner, fromID, ledger.EntryEdit{
		AccountID: f.checking, CreatedAt: testNow, Delta: dec("-110"), Description: "fx fee",
	})
	require.NoError(t, err)

	rich, err := f.m.GetEntry(f.ctx, f.owner, fromID)
	require.NoError(t, err)
	ref := rich.Metadata.(ledger.TransferRef)
	assert.True(t, dec("-110").Equal(rich.Delta))
	assert.True(t, dec("92").Equal(ref.Linked.Delta), "other leg untouched")
	assert.NotNil(t, rich.MetadataID, "metadata survives edit")
}

func TestEditTransfer_BothLegs(t *testing.T) {
	f := newFixture(t)
	fromID := f.transfer(t, "-100", "92")
	rich, err := f.m.GetEntry(f.ctx, f.owner, fromID)
	require.NoError(t, err)
	toID := rich.Metadata.(ledger.TransferRef).Linked.ID

	// Addressing the "to" leg still edits by direction.
	err = f.m.EditTransfer(f.ctx, f.owner, toID, ledger.TransferEdit{
		From: ledger.EntryEdit{AccountID: f.checking, CreatedAt: testNow, Delta: dec("-50"), Description: "half"},
		To:   ledger.EntryEdit{AccountID: f.travel, CreatedAt: testNow, Delta: dec("46"), Description: "half"},
	})
	require.NoError(t, err)

	assert.Equal(t, "-50", f.balance(t, f.checking))
	assert.Equal(t, "46", f.balance(t, f.travel))
}

func TestEditEntryAndLinked_AddressedFromEitherLeg(t *testing.T) {
	// GIVEN: A transfer from checking to travel
	// WHEN: The "to" leg is edited together with its linked leg
	// THEN: Each edit lands on the leg it addresses
	f := newFixture(t)
	fromID := f.transfer(t, "-100", "100")
	rich, err := f.m.GetEntry(f.ctx, f.owner, fromID)
	require.NoError(t, err)
	toID := rich.Metadata.(ledger.TransferRef).Linked.ID

	err = f.m.EditEntryAndLinked(f.ctx, f.owner, toID,
		ledger.EntryEdit{AccountID: f.travel, CreatedAt: testNow, Delta: dec("40"), Description: "less"},
		ledger.EntryEdit{AccountID: f.checking, CreatedAt: testNow, Delta: dec("-40"), Description: "less"},
	)
	require.NoError(t, err)

	assert.Equal(t, "-40", f.balance(t, f.checking))
	assert.Equal(t, "40", f.balance(t, f.travel))

	simple := f.apply(t, "-5", "coffee")
	err = f.m.EditEntryAndLinked(f.ctx, f.owner, simple,
		ledger.EntryEdit{AccountID: f.checking, CreatedAt: testNow},
		ledger.EntryEdit{AccountID: f.savings, CreatedAt: testNow},
	)
	assert.ErrorIs(t, err, ledger.ErrKindMismatch)
}

func TestEditTransfer_LegsOnOneAccountRejected(t *testing.T) {
	// GIVEN: A transfer from checking to travel
	// WHEN: An edit would put both legs on the same account
	// THEN: Every edit path fails validation and nothing changes
	f := newFixture(t)
	fromID := f.transfer(t, "-100", "100")
	rich, err := f.m.GetEntry(f.ctx, f.owner, fromID)
	require.NoError(t, err)
	toID := rich.Metadata.(ledger.TransferRef).Linked.ID

	onTravel := ledger.EntryEdit{AccountID: f.travel, CreatedAt: testNow, Delta: dec("-100")}
	onChecking := ledger.EntryEdit{AccountID: f.checking, CreatedAt: testNow, Delta: dec("100")}

	tests := []struct {
		name string
		edit func() error
	}{
		{"single leg onto the other leg's account", func() error {
			return f.m.EditEntry(f.ctx, f.owner, fromID, onTravel)
		}},
		{"to leg onto the from leg's account", func() error {
			return f.m.EditEntry(f.ctx, f.owner, toID, onChecking)
		}},
		{"both legs by direction", func() error {
			return f.m.EditTransfer(f.ctx, f.owner, toID, ledger.TransferEdit{From: onTravel, To: onTravel})
		}},
		{"addressed leg and linked leg", func() error {
			return f.m.EditEntryAndLinked(f.ctx, f.owner, fromID, onChecking, onChecking)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.edit()
			assert.ErrorIs(t, err, ledger.ErrInvalidInput)
			var verr *ledger.ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}

	assert.Equal(t, "-100", f.balance(t, f.checking))
	assert.Equal(t, "100", f.balance(t, f.travel))
}

func TestEditTransfer_OnSimpleEntryIsKindMismatch(t *testing.T) {
	f := newFixture(t)
	id := f.apply(t, "-5", "snack")

	err := f.m.EditTransfer(f.ctx, f.owner, id, ledger.TransferEdit{
		From: ledger.EntryEdit{AccountID: f.checking, CreatedAt: testNow},
		To:   ledger.EntryEdit{AccountID: f.savings, CreatedAt: testNow},
	})
	assert.ErrorIs(t, err, ledger.ErrKindMismatch)
}

func TestCancelTransfer_MissingLinkIsInvariantViolation(t *testing.T) {
	// GIVEN: A transfer whose link row was removed behind the engine's back
	// WHEN: Canceling one leg
	// THEN: An invariant violation is reported and nothing is deleted
	f := newFixture(t)
	fromID := f.transfer(t, "-100", "92")
	rich, err := f.m.GetEntry(f.ctx, f.owner, fromID)
	require.NoError(t, err)
	require.NoError(t, f.s.DeleteTransferLink(f.ctx, rich.Metadata.(ledger.TransferRef).LinkID))

	err = f.m.CancelEntry(f.ctx, f.owner, fromID)
	assert.ErrorIs(t, err, ledger.ErrInvariantViolation)

	_, err = f.s.GetEntry(f.ctx, fromID)
	assert.NoError(t, err)
}

func TestFailureLogTagsComponentOnce(t *testing.T) {
	// GIVEN: A manager handed a plain logger
	// WHEN: An operation fails server side
	// THEN: The logged line carries component=ledger exactly once
	f := newFixture(t)
	var buf bytes.Buffer
	m := ledger.NewManager(f.s, ledger.WithLogger(slog.New(slog.NewTextHandler(&buf, nil))))

	fromID := f.transfer(t, "-100", "92")
	rich, err := f.m.GetEntry(f.ctx, f.owner, fromID)
	require.NoError(t, err)
	require.NoError(t, f.s.DeleteTransferLink(f.ctx, rich.Metadata.(ledger.TransferRef).LinkID))

	err = m.CancelEntry(f.ctx, f.owner, fromID)
	require.ErrorIs(t, err, ledger.ErrInvariantViolation)

	require.Contains(t, buf.String(), "ledger operation failed")
	assert.Equal(t, 1, strings.Count(buf.String(), "component=ledger"))
}

func TestUnknownKindIsInvariantViolation(t *testing.T) {
	f := newFixture(t)
	id := f.apply(t, "-5", "snack")
	mid, err := f.s.InsertMetadata(f.ctx, ledger.Metadata{Kind: "mystery"})
	require.NoError(t, err)
	require.NoError(t, f.s.SetEntryMetadata(f.ctx, id, &mid))

	assert.ErrorIs(t, f.m.CancelEntry(f.ctx, f.owner, id), ledger.ErrInvariantViolation)
	_, err = f.m.ListEntries(f.ctx, f.owner, 0, 10, ledger.Filter{})
	assert.ErrorIs(t, err, ledger.ErrInvariantViolation)
}

// =============================================================================
// LISTING
// =============================================================================

func TestListEntries_TransferCollapsesToOneItem(t *testing.T) {
	// GIVEN: One simple entry and one transfer (three rows)
	// WHEN: Listing in default (id desc) order
	// THEN: Two items; the transfer appears once, as the later leg
	f := newFixture(t)
	simpleID := f.apply(t, "-5", "snack")
	fromID := f.transfer(t, "-100", "92")

	items, err := f.m.ListEntries(f.ctx, f.owner, 0, 10, ledger.Filter{})
	require.NoError(t, err)
	require.Len(t, items, 2)

	ref, ok := items[0].Metadata.(ledger.TransferRef)
	require.True(t, ok)
	assert.False(t, ref.IsFrom)
	assert.Equal(t, fromID, ref.Linked.ID)
	assert.Equal(t, simpleID, items[1].ID)

	n, err := f.m.CountEntries(f.ctx, f.owner, ledger.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 3, n, "legs count individually")
}

func TestListEntries_FilterAndOrder(t *testing.T) {
	f := newFixture(t)
	for i, d := range []string{"Weekly GROCERIES", "rent", "groceries top-up"} {
		_, err := f.m.ApplyEntry(f.ctx, ledger.EntryInput{
			OwnerID:     f.owner,
			AccountID:   f.checking,
			CreatedAt:   testNow.Add(time.Duration(-i) * time.Hour),
			Delta:       dec("-1"),
			Description: d,
		})
		require.NoError(t, err)
	}

	items, err := f.m.ListEntries(f.ctx, f.owner, 0, 10, ledger.Filter{
		Description: "groceries",
		Order:       ledger.OrderCreatedAsc,
	})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "groceries top-up", items[0].Description)
	assert.Equal(t, "Weekly GROCERIES", items[1].Description)
}

func TestListEntries_InvalidArguments(t *testing.T) {
	f := newFixture(t)
	from, to := testNow, testNow.Add(-time.Hour)

	_, err := f.m.ListEntries(f.ctx, f.owner, 0, 10, ledger.Filter{From: &from, To: &to})
	assert.ErrorIs(t, err, ledger.ErrInvalidFilter)

	_, err = f.m.ListEntries(f.ctx, f.owner, -1, 10, ledger.Filter{})
	assert.ErrorIs(t, err, ledger.ErrInvalidFilter)

	_, err = f.m.ListEntries(f.ctx, f.owner, 0, 10, ledger.Filter{Order: "random"})
	assert.ErrorIs(t, err, ledger.ErrInvalidFilter)
}

// =============================================================================
// ACCUMULATION
// =============================================================================

func (f *fixture) roundUpToSavings(t *testing.T) {
	t.Helper()
	require.NoError(t, f.m.SetAccumulation(f.ctx, ledger.AccumulationSetting{
		SourceAccountID: f.checking,
		TargetAccountID: f.savings,
		CategoryTagID:   f.tag,
		OwnerID:         f.owner,
		Steps: []ledger.AccumulationStep{
			step(bound("0"), bound("100"), "10"),
			step(bound("100"), nil, "50"),
		},
	}))
}

func TestApplyEntry_PostsRoundUp(t *testing.T) {
	// GIVEN: Checking rounds up into savings
	// WHEN: Posting 37 to checking
	// THEN: 3 moves to savings and the entry points at the round-up transfer
	f := newFixture(t)
	f.roundUpToSavings(t)

	id := f.apply(t, "37", "refund")

	assert.Equal(t, "34", f.balance(t, f.checking))
	assert.Equal(t, "3", f.balance(t, f.savings))

	rich, err := f.m.GetEntry(f.ctx, f.owner, id)
	require.NoError(t, err)
	ref, ok := rich.Metadata.(ledger.AccumulationRef)
	require.True(t, ok)

	leg, err := f.m.GetEntry(f.ctx, f.owner, ref.TransferEntryID)
	require.NoError(t, err)
	assert.True(t, dec("-3").Equal(leg.Delta))
	assert.True(t, rich.CreatedAt.Equal(leg.CreatedAt))
}

func TestApplyEntry_ExactMultipleSkipsRoundUp(t *testing.T) {
	f := newFixture(t)
	f.roundUpToSavings(t)

	id := f.apply(t, "40", "even")

	rich, err := f.m.GetEntry(f.ctx, f.owner, id)
	require.NoError(t, err)
	assert.Nil(t, rich.Metadata)
	assert.Equal(t, "0", f.balance(t, f.savings))
}

func TestCancelRoundUp_DropsMarker(t *testing.T) {
	f := newFixture(t)
	f.roundUpToSavings(t)
	id := f.apply(t, "37", "refund")
	rich, err := f.m.GetEntry(f.ctx, f.owner, id)
	require.NoError(t, err)

	require.NoError(t, f.m.CancelEntry(f.ctx, f.owner, rich.Metadata.(ledger.AccumulationRef).TransferEntryID))

	rich, err = f.m.GetEntry(f.ctx, f.owner, id)
	require.NoError(t, err)
	assert.Nil(t, rich.Metadata)
	assert.Nil(t, rich.MetadataID)
	assert.Equal(t, "37", f.balance(t, f.checking))
}

func TestSetAccumulation_Validation(t *testing.T) {
	f := newFixture(t)
	valid := []ledger.AccumulationStep{step(nil, nil, "1")}

	err := f.m.SetAccumulation(f.ctx, ledger.AccumulationSetting{
		OwnerID: f.owner, SourceAccountID: f.checking, TargetAccountID: f.checking, Steps: valid,
	})
	assert.ErrorIs(t, err, ledger.ErrInvalidInput, "same account")

	err = f.m.SetAccumulation(f.ctx, ledger.AccumulationSetting{
		OwnerID: f.owner, SourceAccountID: f.checking, TargetAccountID: f.travel, Steps: valid,
	})
	assert.ErrorIs(t, err, ledger.ErrInvalidInput, "currency mismatch")

	err = f.m.SetAccumulation(f.ctx, ledger.AccumulationSetting{
		OwnerID: f.owner, SourceAccountID: f.checking, TargetAccountID: f.savings,
	})
	assert.ErrorIs(t, err, ledger.ErrInvalidSteps)
}

func TestAccumulationSettings_CRUD(t *testing.T) {
	f := newFixture(t)
	f.roundUpToSavings(t)

	got, err := f.m.GetAccumulation(f.ctx, f.owner, f.checking)
	require.NoError(t, err)
	assert.Equal(t, f.savings, got.TargetAccountID)
	assert.Len(t, got.Steps, 2)

	round, err := f.m.EvaluateAccumulation(f.ctx, f.owner, f.checking, dec("120"))
	require.NoError(t, err)
	assert.True(t, dec("30").Equal(round))

	list, err := f.m.ListAccumulations(f.ctx, f.owner)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	stranger := uuid.New()
	_, err = f.m.GetAccumulation(f.ctx, stranger, f.checking)
	assert.ErrorIs(t, err, ledger.ErrAccumulationNotFound)
	assert.ErrorIs(t, f.m.DeleteAccumulation(f.ctx, stranger, f.checking), ledger.ErrAccumulationNotFound)
	_, err = f.m.EvaluateAccumulation(f.ctx, stranger, f.checking, dec("120"))
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)

	require.NoError(t, f.m.DeleteAccumulation(f.ctx, f.owner, f.checking))
	round, err = f.m.EvaluateAccumulation(f.ctx, f.owner, f.checking, dec("37"))
	require.NoError(t, err)
	assert.True(t, round.IsZero())
}

// =============================================================================
// RECURRING
// =============================================================================

func (f *fixture) rent(t *testing.T, next time.Time) ledger.RuleID {
	t.Helper()
	id, err := f.m.CreateRule(f.ctx, ledger.RecurringRule{
		OwnerID:     f.owner,
		AccountID:   f.checking,
		Delta:       dec("-1200"),
		Description: "rent",
		RepeatKind:  ledger.RepeatMonthly,
		NextRepeat:  next,
	})
	require.NoError(t, err)
	return id
}

func TestFireRecurring_PostsAndAdvances(t *testing.T) {
	// GIVEN: A monthly rule due May 31, with round-ups enabled on its account
	// WHEN: Fired on June 1
	// THEN: One entry dated May 31 with recurring origin, no round-up, and
	//       NextRepeat clamped to June 30
	f := newFixture(t)
	f.roundUpToSavings(t)
	due := time.Date(2024, time.May, 31, 8, 0, 0, 0, time.UTC)
	ruleID := f.rent(t, due)

	firing, err := f.m.FireRecurring(f.ctx, ruleID, testNow)
	require.NoError(t, err)
	require.NotNil(t, firing)
	assert.True(t, time.Date(2024, time.June, 30, 8, 0, 0, 0, time.UTC).Equal(firing.NextRepeat))

	rich, err := f.m.GetEntry(f.ctx, f.owner, firing.EntryID)
	require.NoError(t, err)
	assert.True(t, due.Equal(rich.CreatedAt))
	assert.Equal(t, ledger.RecurringRef{RuleID: ruleID}, rich.Metadata)
	assert.Equal(t, "0", f.balance(t, f.savings))

	rule, err := f.m.GetRule(f.ctx, f.owner, ruleID)
	require.NoError(t, err)
	assert.True(t, firing.NextRepeat.Equal(rule.NextRepeat))

	// Not due any more.
	again, err := f.m.FireRecurring(f.ctx, ruleID, testNow)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestFireRecurring_CancelRemovesOrigin(t *testing.T) {
	f := newFixture(t)
	ruleID := f.rent(t, testNow)
	firing, err := f.m.FireRecurring(f.ctx, ruleID, testNow)
	require.NoError(t, err)
	rich, err := f.m.GetEntry(f.ctx, f.owner, firing.EntryID)
	require.NoError(t, err)

	require.NoError(t, f.m.CancelEntry(f.ctx, f.owner, firing.EntryID))

	_, err = f.s.GetMetadata(f.ctx, *rich.MetadataID)
	assert.ErrorIs(t, err, ledger.ErrMetadataNotFound)
}

// conflictingAdvance behaves like its Memory store except that every
// AdvanceRule inside a transaction loses the compare-and-set.
type conflictingAdvance struct {
	*store.Memory
}

func (c conflictingAdvance) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	return c.Memory.WithTx(ctx, func(s ledger.Store) error {
		return fn(advanceLoses{s})
	})
}

type advanceLoses struct {
	ledger.Store
}

func (advanceLoses) AdvanceRule(context.Context, ledger.RuleID, time.Time, time.Time) error {
	return ledger.ErrConcurrentModification
}

func TestFireRecurring_AdvanceFailureRollsBack(t *testing.T) {
	// GIVEN: A due rule whose advance loses the compare-and-set
	// WHEN: The rule is fired
	// THEN: The error surfaces, and neither the entry nor its origin record survive
	f := newFixture(t)
	due := testNow.Add(-time.Hour)
	ruleID := f.rent(t, due)
	m := ledger.NewManager(conflictingAdvance{f.s}, ledger.WithClock(func() time.Time { return testNow }))

	firing, err := m.FireRecurring(f.ctx, ruleID, testNow)

	assert.ErrorIs(t, err, ledger.ErrConcurrentModification)
	assert.Nil(t, firing)

	n, err := f.m.CountEntries(f.ctx, f.owner, ledger.Filter{})
	require.NoError(t, err)
	assert.Zero(t, n)

	origins, err := f.s.FindMetadata(f.ctx, ledger.KindRecurring, int64(ruleID))
	require.NoError(t, err)
	assert.Empty(t, origins)

	rule, err := f.m.GetRule(f.ctx, f.owner, ruleID)
	require.NoError(t, err)
	assert.True(t, due.Equal(rule.NextRepeat))
}

func TestRules_Management(t *testing.T) {
	f := newFixture(t)
	stranger := uuid.New()
	ruleID := f.rent(t, testNow)

	_, err := f.m.CreateRule(f.ctx, ledger.RecurringRule{
		OwnerID: f.owner, AccountID: f.checking, RepeatKind: ledger.RepeatInDays, RepeatArg: 0, NextRepeat: testNow,
	})
	assert.ErrorIs(t, err, ledger.ErrInvalidRepeat)

	rule, err := f.m.GetRule(f.ctx, f.owner, ruleID)
	require.NoError(t, err)
	rule.RepeatKind = ledger.RepeatInDays
	rule.RepeatArg = 14
	require.NoError(t, f.m.EditRule(f.ctx, rule))

	foreign := rule
	foreign.OwnerID = stranger
	assert.ErrorIs(t, f.m.EditRule(f.ctx, foreign), ledger.ErrRuleNotFound)
	_, err = f.m.GetRule(f.ctx, stranger, ruleID)
	assert.ErrorIs(t, err, ledger.ErrRuleNotFound)

	rules, err := f.m.ListRules(f.ctx, f.owner)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, 14, rules[0].RepeatArg)

	due, err := f.m.DueRules(f.ctx, testNow)
	require.NoError(t, err)
	assert.Len(t, due, 1)

	assert.ErrorIs(t, f.m.DeleteRule(f.ctx, stranger, ruleID), ledger.ErrRuleNotFound)
	require.NoError(t, f.m.DeleteRule(f.ctx, f.owner, ruleID))
	_, err = f.m.FireRecurring(f.ctx, ruleID, testNow)
	assert.ErrorIs(t, err, ledger.ErrRuleNotFound)
}
