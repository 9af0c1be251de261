package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"chargehive/internal/executor"
	"chargehive/internal/ledger"
	"chargehive/internal/models"
	"chargehive/internal/registry"
)

type fakeGateway struct {
	mu         sync.Mutex
	submits    []ledger.Operation
	responses  map[models.OperationKind]func(op ledger.Operation) (ledger.Receipt, error)
	receipts   map[string]ledger.Receipt
	receiptErr error
	snapshots  map[string]ledger.SessionSnapshot
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		responses: make(map[models.OperationKind]func(op ledger.Operation) (ledger.Receipt, error)),
		receipts:  make(map[string]ledger.Receipt),
		snapshots: make(map[string]ledger.SessionSnapshot),
	}
}

func (f *fakeGateway) Submit(_ context.Context, op ledger.Operation) (ledger.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits = append(f.submits, op)

	if fn, ok := f.responses[op.Kind]; ok {
		receipt, err := fn(op)
		if err == nil && receipt.Status == ledger.StatusSuccess {
			f.receipts[op.IdempotencyKey] = receipt
		}
		return receipt, err
	}

	receipt := ledger.Receipt{Status: ledger.StatusSuccess}
	if op.Kind == models.OpCreateSession {
		receipt.SessionID = "ledger-1"
	}
	f.receipts[op.IdempotencyKey] = receipt
	return receipt, nil
}

func (f *fakeGateway) ReceiptByKey(_ context.Context, key string) (ledger.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.receiptErr != nil {
		return ledger.Receipt{}, f.receiptErr
	}
	receipt, ok := f.receipts[key]
	if !ok {
		return ledger.Receipt{}, ledger.ErrReceiptNotFound
	}
	return receipt, nil
}

func (f *fakeGateway) QuerySessionDetails(_ context.Context, _, sessionID string) (ledger.SessionSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshots[sessionID], nil
}

func (f *fakeGateway) setReceipt(key string, receipt ledger.Receipt) {
	f.mu.Lock()
	f.receipts[key] = receipt
	f.mu.Unlock()
}

func (f *fakeGateway) countByKind(kind models.OperationKind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, op := range f.submits {
		if op.Kind == kind {
			count++
		}
	}
	return count
}

type fixture struct {
	gateway  *fakeGateway
	log      *executor.MemoryLog
	accounts *registry.MemoryAccounts
	orch     *Orchestrator
}

func newFixture() *fixture {
	gateway := newFakeGateway()
	log := executor.NewMemoryLog()
	exec := executor.New(gateway, log, executor.Config{
		MaxAttempts:      2,
		MaxQueryAttempts: 3,
		BackoffBase:      time.Millisecond,
		BackoffMax:       2 * time.Millisecond,
	}, zap.NewNop())
	reg := registry.New(registry.NewMemoryStore(), zap.NewNop())
	accounts := registry.NewMemoryAccounts()

	orch := New(exec, reg, accounts, Config{
		ProgramContract: "contract-1",
		AdapterContract: "adapter-1",
		TokenManager:    "manager-1",
		RewardTokenID:   "token-1",
		OperatorAccount: "operator-1",
		CanAssociate:    true,
		CanAuthorize:    true,
		Params:          models.ProgramParams{Version: 1, RatePerUnit: 2, MinQuantity: 10},
	}, zap.NewNop())

	return &fixture{gateway: gateway, log: log, accounts: accounts, orch: orch}
}

func (f *fixture) onboarded(t *testing.T, address string) {
	t.Helper()
	if err := f.accounts.Upsert(context.Background(), &models.Account{
		Address:          address,
		Role:             models.RoleParticipant,
		Registered:       true,
		Active:           true,
		AssociatedTokens: []string{"token-1"},
	}); err != nil {
		t.Fatalf("seed account: %v", err)
	}
}

func TestOpenSessionOnboardsNewParticipant(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	session, err := f.orch.OpenSession(ctx, "wallet-1", "booker-1")
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	if session.Status != models.SessionOpen || session.LedgerRef != "ledger-1" {
		t.Fatalf("unexpected session: %+v", session)
	}

	if got := f.gateway.countByKind(models.OpAssociateToken); got != 1 {
		t.Fatalf("expected 1 associate, got %d", got)
	}
	if got := f.gateway.countByKind(models.OpCreateAccount); got != 1 {
		t.Fatalf("expected 1 create account, got %d", got)
	}
	if got := f.gateway.countByKind(models.OpCreateSession); got != 1 {
		t.Fatalf("expected 1 create session, got %d", got)
	}

	account, err := f.accounts.Get(ctx, "wallet-1")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if !account.Registered || !account.HasToken("token-1") {
		t.Fatalf("account not fully onboarded: %+v", account)
	}
}

func TestOpenSessionSkipsSatisfiedPrerequisites(t *testing.T) {
	f := newFixture()
	f.onboarded(t, "wallet-1")

	if _, err := f.orch.OpenSession(context.Background(), "wallet-1", "booker-1"); err != nil {
		t.Fatalf("open session: %v", err)
	}

	if got := f.gateway.countByKind(models.OpAssociateToken); got != 0 {
		t.Fatalf("redundant associate submitted %d times", got)
	}
	if got := f.gateway.countByKind(models.OpCreateAccount); got != 0 {
		t.Fatalf("redundant create account submitted %d times", got)
	}
}

func TestOnboardIsIdempotent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	if _, err := f.orch.Onboard(ctx, "wallet-1", models.RoleParticipant, ""); err != nil {
		t.Fatalf("first onboard: %v", err)
	}
	if _, err := f.orch.Onboard(ctx, "wallet-1", models.RoleParticipant, ""); err != nil {
		t.Fatalf("second onboard: %v", err)
	}

	if got := f.gateway.countByKind(models.OpAssociateToken); got != 1 {
		t.Fatalf("associate submitted %d times", got)
	}
	if got := f.gateway.countByKind(models.OpCreateAccount); got != 1 {
		t.Fatalf("create account submitted %d times", got)
	}
}

func TestOnboardSurfacesRejection(t *testing.T) {
	f := newFixture()
	f.gateway.responses[models.OpAssociateToken] = func(op ledger.Operation) (ledger.Receipt, error) {
		return ledger.Receipt{Status: ledger.StatusRejected, Code: "TOKEN_FROZEN"},
			&ledger.RejectionError{Kind: op.Kind, Code: "TOKEN_FROZEN"}
	}

	_, err := f.orch.Onboard(context.Background(), "wallet-1", models.RoleParticipant, "")
	var rejection *ledger.RejectionError
	if !errors.As(err, &rejection) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if got := f.gateway.countByKind(models.OpCreateAccount); got != 0 {
		t.Fatal("registration submitted after failed association")
	}
}

func TestCloseAndSettle(t *testing.T) {
	f := newFixture()
	f.onboarded(t, "wallet-1")
	ctx := context.Background()

	session, err := f.orch.OpenSession(ctx, "wallet-1", "booker-1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	session, err = f.orch.CloseSession(ctx, session.ID, 150)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if session.Status != models.SessionClosed || session.Quantity != 150 {
		t.Fatalf("unexpected closed session: %+v", session)
	}

	session, err = f.orch.SettleSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if session.Status != models.SessionRewardDistributed {
		t.Fatalf("expected distributed, got %s", session.Status)
	}
	if session.RewardAmount() != 300 {
		t.Fatalf("expected reward 300, got %d", session.RewardAmount())
	}
}

func TestSettleBelowThresholdStillCompletes(t *testing.T) {
	f := newFixture()
	f.onboarded(t, "wallet-1")
	ctx := context.Background()

	session, err := f.orch.OpenSession(ctx, "wallet-1", "booker-1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.orch.CloseSession(ctx, session.ID, 5); err != nil {
		t.Fatalf("close: %v", err)
	}

	settled, err := f.orch.SettleSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	// below the minimum quantity the payout is zero, but the lifecycle
	// still completes
	if settled.Status != models.SessionRewardDistributed || settled.RewardAmount() != 0 {
		t.Fatalf("unexpected settled session: %+v", settled)
	}
}

func TestSettleIsIdempotent(t *testing.T) {
	f := newFixture()
	f.onboarded(t, "wallet-1")
	ctx := context.Background()

	session, _ := f.orch.OpenSession(ctx, "wallet-1", "booker-1")
	if _, err := f.orch.CloseSession(ctx, session.ID, 150); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := f.orch.SettleSession(ctx, session.ID); err != nil {
		t.Fatalf("first settle: %v", err)
	}
	if _, err := f.orch.SettleSession(ctx, session.ID); err != nil {
		t.Fatalf("second settle: %v", err)
	}

	if got := f.gateway.countByKind(models.OpDistributeReward); got != 1 {
		t.Fatalf("payout submitted %d times", got)
	}
}

func TestConcurrentSettleDistributesOnce(t *testing.T) {
	f := newFixture()
	f.onboarded(t, "wallet-1")
	ctx := context.Background()

	session, _ := f.orch.OpenSession(ctx, "wallet-1", "booker-1")
	if _, err := f.orch.CloseSession(ctx, session.ID, 150); err != nil {
		t.Fatalf("close: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.orch.SettleSession(ctx, session.ID); err != nil {
				t.Errorf("settle: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := f.gateway.countByKind(models.OpDistributeReward); got != 1 {
		t.Fatalf("payout submitted %d times", got)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	f := newFixture()
	f.onboarded(t, "wallet-1")
	ctx := context.Background()

	session, _ := f.orch.OpenSession(ctx, "wallet-1", "booker-1")
	if _, err := f.orch.CloseSession(ctx, session.ID, 150); err != nil {
		t.Fatalf("first close: %v", err)
	}
	again, err := f.orch.CloseSession(ctx, session.ID, 150)
	if err != nil {
		t.Fatalf("second close: %v", err)
	}
	if again.Status != models.SessionClosed {
		t.Fatalf("expected closed, got %s", again.Status)
	}
	if got := f.gateway.countByKind(models.OpEndSession); got != 1 {
		t.Fatalf("end session submitted %d times", got)
	}
}

func TestCloseResumesInterruptedClose(t *testing.T) {
	f := newFixture()
	f.onboarded(t, "wallet-1")
	ctx := context.Background()

	session, _ := f.orch.OpenSession(ctx, "wallet-1", "booker-1")
	// simulate a close that recorded the quantity but never confirmed
	if _, err := f.orch.Registry().Close(ctx, session.ID, 150); err != nil {
		t.Fatalf("stage closing: %v", err)
	}

	// a conflicting quantity is rejected
	if _, err := f.orch.CloseSession(ctx, session.ID, 99); !errors.Is(err, registry.ErrStateConflict) {
		t.Fatalf("expected state conflict, got %v", err)
	}

	// quantity zero resumes with the recorded value
	resumed, err := f.orch.CloseSession(ctx, session.ID, 0)
	if err != nil {
		t.Fatalf("resume close: %v", err)
	}
	if resumed.Status != models.SessionClosed || resumed.Quantity != 150 {
		t.Fatalf("unexpected resumed session: %+v", resumed)
	}
}

func TestIndeterminatePayoutRecoveredWithoutRepaying(t *testing.T) {
	f := newFixture()
	f.onboarded(t, "wallet-1")
	ctx := context.Background()

	session, _ := f.orch.OpenSession(ctx, "wallet-1", "booker-1")
	if _, err := f.orch.CloseSession(ctx, session.ID, 150); err != nil {
		t.Fatalf("close: %v", err)
	}

	// every payout submission times out without a receipt
	f.gateway.responses[models.OpDistributeReward] = func(_ ledger.Operation) (ledger.Receipt, error) {
		return ledger.Receipt{Status: ledger.StatusUnknown}, context.DeadlineExceeded
	}

	_, err := f.orch.SettleSession(ctx, session.ID)
	if !errors.Is(err, executor.ErrExhausted) {
		t.Fatalf("expected exhaustion, got %v", err)
	}
	failed, err := f.orch.Registry().Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if failed.Status != models.SessionFailed {
		t.Fatalf("expected failed, got %s", failed.Status)
	}

	// the ledger later shows the payout actually landed
	rec, err := f.log.FindOpen(ctx, session.ID, models.OpDistributeReward)
	if err != nil {
		t.Fatalf("find payout record: %v", err)
	}
	f.gateway.setReceipt(rec.IdempotencyKey, ledger.Receipt{Status: ledger.StatusSuccess, AmountPaid: 300})
	submitsBefore := f.gateway.countByKind(models.OpDistributeReward)

	recovered, err := f.orch.RecoverSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered.Status != models.SessionRewardDistributed {
		t.Fatalf("expected distributed after recovery, got %s", recovered.Status)
	}
	if recovered.RewardAmount() != 300 {
		t.Fatalf("expected reward 300, got %d", recovered.RewardAmount())
	}
	if got := f.gateway.countByKind(models.OpDistributeReward); got != submitsBefore {
		t.Fatal("recovery re-issued the payout")
	}
}

func TestLostReceiptRecoveredFromContractSnapshot(t *testing.T) {
	f := newFixture()
	f.onboarded(t, "wallet-1")
	ctx := context.Background()

	session, _ := f.orch.OpenSession(ctx, "wallet-1", "booker-1")
	if _, err := f.orch.CloseSession(ctx, session.ID, 150); err != nil {
		t.Fatalf("close: %v", err)
	}

	f.gateway.responses[models.OpDistributeReward] = func(_ ledger.Operation) (ledger.Receipt, error) {
		return ledger.Receipt{Status: ledger.StatusUnknown}, context.DeadlineExceeded
	}
	if _, err := f.orch.SettleSession(ctx, session.ID); !errors.Is(err, executor.ErrExhausted) {
		t.Fatalf("expected exhaustion, got %v", err)
	}

	// the receipt store stays unreachable; only the contract state shows
	// the payout landed, keyed by the ledger-issued session id
	f.gateway.mu.Lock()
	f.gateway.receiptErr = context.DeadlineExceeded
	f.gateway.snapshots["ledger-1"] = ledger.SessionSnapshot{
		SessionID:        "ledger-1",
		TokenDistributed: true,
		CalculatedReward: 300,
	}
	f.gateway.mu.Unlock()
	submitsBefore := f.gateway.countByKind(models.OpDistributeReward)

	recovered, err := f.orch.RecoverSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered.Status != models.SessionRewardDistributed {
		t.Fatalf("expected distributed after snapshot recovery, got %s", recovered.Status)
	}
	if recovered.RewardAmount() != 300 {
		t.Fatalf("expected reward 300, got %d", recovered.RewardAmount())
	}
	if got := f.gateway.countByKind(models.OpDistributeReward); got != submitsBefore {
		t.Fatal("recovery re-issued the payout")
	}
}

func TestIndeterminateOpenRecovered(t *testing.T) {
	f := newFixture()
	f.onboarded(t, "wallet-1")
	ctx := context.Background()

	f.gateway.responses[models.OpCreateSession] = func(_ ledger.Operation) (ledger.Receipt, error) {
		return ledger.Receipt{Status: ledger.StatusUnknown}, context.DeadlineExceeded
	}

	_, err := f.orch.OpenSession(ctx, "wallet-1", "booker-1")
	if !errors.Is(err, executor.ErrExhausted) {
		t.Fatalf("expected exhaustion, got %v", err)
	}

	sessions, err := f.orch.Registry().ListByStatus(ctx, models.SessionFailed, 10)
	if err != nil || len(sessions) != 1 {
		t.Fatalf("expected 1 failed session, got %d (%v)", len(sessions), err)
	}
	sessionID := sessions[0].ID

	rec, err := f.log.FindOpen(ctx, sessionID, models.OpCreateSession)
	if err != nil {
		t.Fatalf("find record: %v", err)
	}
	f.gateway.setReceipt(rec.IdempotencyKey, ledger.Receipt{Status: ledger.StatusSuccess, SessionID: "ledger-5"})

	recovered, err := f.orch.RecoverSession(ctx, sessionID)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered.Status != models.SessionOpen || recovered.LedgerRef != "ledger-5" {
		t.Fatalf("unexpected recovered session: %+v", recovered)
	}
}

func TestRecoverEscalatesWhenInconclusive(t *testing.T) {
	f := newFixture()
	f.onboarded(t, "wallet-1")
	ctx := context.Background()

	f.gateway.responses[models.OpCreateSession] = func(_ ledger.Operation) (ledger.Receipt, error) {
		return ledger.Receipt{Status: ledger.StatusUnknown}, context.DeadlineExceeded
	}

	_, err := f.orch.OpenSession(ctx, "wallet-1", "booker-1")
	if !errors.Is(err, executor.ErrExhausted) {
		t.Fatalf("expected exhaustion, got %v", err)
	}
	sessions, _ := f.orch.Registry().ListByStatus(ctx, models.SessionFailed, 10)
	sessionID := sessions[0].ID

	// the gateway stays unreachable and the contract knows nothing: recovery
	// stays inconclusive until the query budget runs out
	f.gateway.mu.Lock()
	f.gateway.receiptErr = context.DeadlineExceeded
	f.gateway.mu.Unlock()
	for i := 0; i < 2; i++ {
		if _, err := f.orch.RecoverSession(ctx, sessionID); err != nil {
			t.Fatalf("recover %d: %v", i, err)
		}
	}
	if _, err := f.orch.RecoverSession(ctx, sessionID); !errors.Is(err, executor.ErrReconcileExhausted) {
		t.Fatalf("expected reconcile exhaustion, got %v", err)
	}

	session, err := f.orch.Registry().Get(ctx, sessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if session.Status != models.SessionFailed {
		t.Fatalf("expected failed pending intervention, got %s", session.Status)
	}
}

func TestOnboardAdapter(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	account, err := f.orch.OnboardAdapter(ctx, "adapter-wallet", "user-wallet", "nft-1")
	if err != nil {
		t.Fatalf("onboard adapter: %v", err)
	}
	if account.NFTMetadataURI != "nft-1" {
		t.Fatalf("nft id not bound: %+v", account)
	}
	if got := f.gateway.countByKind(models.OpCompleteRegistration); got != 1 {
		t.Fatalf("complete registration submitted %d times", got)
	}
	if got := f.gateway.countByKind(models.OpSetAdapterNFT); got != 1 {
		t.Fatalf("set adapter nft submitted %d times", got)
	}
}

func TestProvisionContract(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	if err := f.orch.ProvisionContract(ctx, "contract-2", 500); err != nil {
		t.Fatalf("provision: %v", err)
	}
	if got := f.gateway.countByKind(models.OpAuthorizeContract); got != 1 {
		t.Fatalf("authorize submitted %d times", got)
	}
	if got := f.gateway.countByKind(models.OpTransferNative); got != 1 {
		t.Fatalf("funding submitted %d times", got)
	}
}
