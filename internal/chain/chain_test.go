package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"
)

var (
	testOracle   = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	testPoolCore = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	testOddyssey = common.HexToAddress("0x00000000000000000000000000000000000000c3")
)

// revertErr mimics the JSON-RPC error a node returns for a reverted call.
type revertErr struct {
	msg  string
	data string
}

func (e revertErr) Error() string          { return e.msg }
func (e revertErr) ErrorCode() int         { return 3 }
func (e revertErr) ErrorData() interface{} { return e.data }

var (
	_ rpc.DataError = revertErr{}
	_ rpc.Error     = revertErr{}
)

func encodeRevert(t *testing.T, reason string) string {
	t.Helper()
	strType, err := abi.NewType("string", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	packed, err := abi.Arguments{{Type: strType}}.Pack(reason)
	if err != nil {
		t.Fatal(err)
	}
	selector := crypto.Keccak256([]byte("Error(string)"))[:4]
	return hexutil.Encode(append(selector, packed...))
}

func TestDecodeCallErrorUnpacksRevertReason(t *testing.T) {
	err := decodeCallError("settlePool", revertErr{msg: "execution reverted", data: encodeRevert(t, "Already settled")})

	var rev *RevertError
	if !errors.As(err, &rev) {
		t.Fatalf("expected RevertError, got %T", err)
	}
	if rev.Reason != "Already settled" || rev.Code != 3 || len(rev.Data) == 0 {
		t.Fatalf("unexpected revert %+v", rev)
	}
	if !IsAlreadySettled(fmt.Errorf("settle: %w", err)) {
		t.Fatal("wrapped revert should be recognised")
	}
	if IsAlreadyRefunded(err) || IsTransient(err) {
		t.Fatal("settled revert is neither refunded nor transient")
	}
}

func TestDecodeCallErrorFromMessage(t *testing.T) {
	err := decodeCallError("refundPool", errors.New("execution reverted: Already refunded"))
	if !IsAlreadyRefunded(err) {
		t.Fatalf("reason should be parsed from the message, got %v", err)
	}

	plain := errors.New("dial tcp: connection refused")
	if got := decodeCallError("refundPool", plain); got != plain {
		t.Fatalf("non-revert errors pass through, got %v", got)
	}
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"revert", &RevertError{Method: "x", Reason: "nope"}, false},
		{"cancelled", context.Canceled, false},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), true},
		{"receipt timeout", fmt.Errorf("wait: %w", ErrReceiptTimeout), true},
		{"net error", &net.OpError{Op: "dial", Err: errors.New("refused")}, true},
		{"http 503", rpc.HTTPError{StatusCode: 503, Status: "503 Service Unavailable"}, true},
		{"http 400", rpc.HTTPError{StatusCode: 400, Status: "400 Bad Request"}, false},
		{"nonce race", errors.New("nonce too low"), true},
		{"insufficient funds", errors.New("insufficient funds for gas * price + value"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsTransient(tc.err); got != tc.want {
				t.Fatalf("IsTransient(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func poolCreatedLog(t *testing.T, poolID int64, creator common.Address, marketID string, predicted [32]byte) types.Log {
	t.Helper()
	ev := poolCoreABI.Events[EventPoolCreated]
	data, err := ev.Inputs.NonIndexed().Pack(
		big.NewInt(1762095600), big.NewInt(1762102800), uint8(0), marketID, predicted, "football",
		new(big.Int).Mul(big.NewInt(50), big.NewInt(1e18)), big.NewInt(1762189200),
	)
	if err != nil {
		t.Fatal(err)
	}
	return types.Log{
		Address: testPoolCore,
		Topics:  []common.Hash{ev.ID, common.BigToHash(big.NewInt(poolID)), common.BytesToHash(creator.Bytes())},
		Data:    data,
	}
}

func TestDecodeLogPoolCreated(t *testing.T) {
	creator := common.HexToAddress("0x1111111111111111111111111111111111111111")
	var predicted [32]byte
	copy(predicted[:], "Over")

	ev, err := DecodeLog(poolCreatedLog(t, 7, creator, "19425985", predicted))
	if err != nil {
		t.Fatal(err)
	}
	created, ok := ev.(*PoolCreated)
	if !ok {
		t.Fatalf("unexpected event type %T", ev)
	}
	if created.PoolID != 7 || created.Creator != creator || created.MarketID != "19425985" || created.Category != "football" {
		t.Fatalf("unexpected event %+v", created)
	}
	if created.PredictedOutcome != predicted {
		t.Fatal("predicted outcome mismatch")
	}
	if FromWei(created.CreatorStake, 18).String() != "50" {
		t.Fatalf("unexpected stake %s", created.CreatorStake)
	}
	if !created.EventEnd.Equal(time.Unix(1762102800, 0)) {
		t.Fatalf("unexpected event end %s", created.EventEnd)
	}
}

func TestDecodeLogIndexedOnly(t *testing.T) {
	player := common.HexToAddress("0x2222222222222222222222222222222222222222")
	lg := types.Log{Topics: []common.Hash{
		oddysseyABI.Events[EventSlipPlaced].ID,
		common.BigToHash(big.NewInt(12)),
		common.BytesToHash(player.Bytes()),
		common.BigToHash(big.NewInt(345)),
	}}
	ev, err := DecodeLog(lg)
	if err != nil {
		t.Fatal(err)
	}
	slip := ev.(*SlipPlaced)
	if slip.CycleID != 12 || slip.SlipID != 345 || slip.Player != player {
		t.Fatalf("unexpected slip event %+v", slip)
	}
}

func TestDecodeLogUnknown(t *testing.T) {
	_, err := DecodeLog(types.Log{Topics: []common.Hash{crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))}})
	if !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("expected ErrUnknownEvent, got %v", err)
	}
	if len(Topics()[0]) != 8 {
		t.Fatalf("expected 8 mirrored topics, got %d", len(Topics()[0]))
	}
}

func TestSelectionHashes(t *testing.T) {
	label, ok := SelectionLabel(SelectionHash("X"))
	if !ok || label != LabelDraw {
		t.Fatalf("unexpected label %q", label)
	}
	if _, ok := SelectionLabel(SelectionHash("Draw")); ok {
		t.Fatal("only the contract labels are known")
	}
}

type fakeCaller struct {
	responses map[string][]byte
	calls     []ethereum.CallMsg
}

func (f *fakeCaller) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.calls = append(f.calls, msg)
	res, ok := f.responses[hex.EncodeToString(msg.Data[:4])]
	if !ok {
		return nil, errors.New("unexpected call")
	}
	return res, nil
}

type fakeSender struct {
	calls   []Call
	receipt *types.Receipt
	err     error
}

func (f *fakeSender) From() common.Address { return common.Address{} }

func (f *fakeSender) Send(_ context.Context, call Call, observe HashObserver) (TxResult, error) {
	f.calls = append(f.calls, call)
	hash := common.HexToHash("0xabc")
	if observe != nil {
		observe(hash)
	}
	if f.err != nil {
		return TxResult{Hash: hash}, f.err
	}
	return TxResult{Hash: hash, BlockNumber: 10, Receipt: f.receipt}, nil
}

func newTestBot(t *testing.T, caller Caller, sender Sender) *OracleBot {
	t.Helper()
	bot, err := NewOracleBot(caller, sender, OracleBotOptions{Oracle: testOracle, PoolCore: testPoolCore}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return bot
}

func TestGetOutcome(t *testing.T) {
	method := oracleABI.Methods["getOutcome"]
	out, err := method.Outputs.Pack(true, []byte("Over"))
	if err != nil {
		t.Fatal(err)
	}
	caller := &fakeCaller{responses: map[string][]byte{hex.EncodeToString(method.ID): out}}

	got, err := newTestBot(t, caller, nil).GetOutcome(context.Background(), "19425985")
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsSet || string(got.Data) != "Over" {
		t.Fatalf("unexpected outcome %+v", got)
	}
	if *caller.calls[0].To != testOracle {
		t.Fatal("getOutcome must target the oracle")
	}
}

func TestSettlePoolGoesThroughExecuteCall(t *testing.T) {
	var result [32]byte
	copy(result[:], "Over")
	settled := poolCoreABI.Events[EventPoolSettled]
	data, err := settled.Inputs.NonIndexed().Pack(result, false, big.NewInt(1762110000))
	if err != nil {
		t.Fatal(err)
	}
	receipt := &types.Receipt{Status: types.ReceiptStatusSuccessful, Logs: []*types.Log{{
		Address: testPoolCore,
		Topics:  []common.Hash{settled.ID, common.BigToHash(big.NewInt(42))},
		Data:    data,
	}}}
	sender := &fakeSender{receipt: receipt}

	var observed common.Hash
	res, err := newTestBot(t, &fakeCaller{}, sender).SettlePool(context.Background(), 42, result, func(h common.Hash) { observed = h })
	if err != nil {
		t.Fatal(err)
	}
	if observed != res.Hash {
		t.Fatal("observer must see the tx hash")
	}
	if res.Event == nil || res.Event.PoolID != 42 || res.Event.CreatorSideWon {
		t.Fatalf("unexpected settled event %+v", res.Event)
	}

	call := sender.calls[0]
	if call.To != testOracle || call.Method != "settlePool" {
		t.Fatalf("settlement must be sent to the oracle, got %+v", call)
	}
	args, err := oracleABI.Methods["executeCall"].Inputs.Unpack(call.Data[4:])
	if err != nil {
		t.Fatal(err)
	}
	if args[0].(common.Address) != testPoolCore {
		t.Fatal("executeCall target must be the pool core")
	}
	inner := args[1].([]byte)
	if !bytes.Equal(inner[:4], poolCoreABI.Methods["settlePool"].ID) {
		t.Fatal("inner call must be settlePool")
	}
	if !bytes.Equal(inner[36:40], []byte("Over")) || inner[40] != 0 {
		t.Fatalf("outcome must be right-padded utf8, got %x", inner[36:68])
	}
}

func TestGetSlip(t *testing.T) {
	method := oddysseyABI.Methods["getSlip"]
	want := OddysseySlip{
		Player:       common.HexToAddress("0x3333333333333333333333333333333333333333"),
		CycleId:      big.NewInt(5),
		PlacedAt:     big.NewInt(1762080000),
		FinalScore:   big.NewInt(0),
		CorrectCount: 0,
	}
	for i := range want.Predictions {
		want.Predictions[i] = OddysseyPrediction{MatchId: uint64(100 + i), BetType: BetTypeMoneyline, Selection: SelectionHash(LabelHome), SelectedOdd: 1850}
	}
	out, err := method.Outputs.Pack(want)
	if err != nil {
		t.Fatal(err)
	}
	caller := &fakeCaller{responses: map[string][]byte{hex.EncodeToString(method.ID): out}}
	contract, err := NewOddyssey(caller, nil, OddysseyOptions{Address: testOddyssey}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	got, err := contract.GetSlip(context.Background(), 9)
	if err != nil {
		t.Fatal(err)
	}
	if got.Player != want.Player || got.CycleId.Int64() != 5 || got.Predictions[9].MatchId != 109 || got.Predictions[0].SelectedOdd != 1850 {
		t.Fatalf("unexpected slip %+v", got)
	}
}

type fakeTxBackend struct {
	fakeCaller
	callErr      error
	sent         []*types.Transaction
	receiptAfter int
	lookups      int
	status       uint64
}

func (f *fakeTxBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, n *big.Int) ([]byte, error) {
	if f.callErr != nil {
		return nil, f.callErr
	}
	return nil, nil
}

func (f *fakeTxBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 100000, nil
}

func (f *fakeTxBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return 3, nil
}

func (f *fakeTxBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeTxBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(99), BaseFee: big.NewInt(2_000_000_000)}, nil
}

func (f *fakeTxBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeTxBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.lookups++
	if f.lookups <= f.receiptAfter {
		return nil, ethereum.NotFound
	}
	return &types.Receipt{Status: f.status, TxHash: hash, BlockNumber: big.NewInt(100)}, nil
}

func newTestTransactor(t *testing.T, backend TxBackend) *Transactor {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	tr, err := NewTransactor(backend, TransactorOptions{
		ChainID:            big.NewInt(50312),
		PrivateKey:         "0x" + hex.EncodeToString(crypto.FromECDSA(key)),
		GasLimitMultiplier: 1.2,
		ReceiptPoll:        time.Millisecond,
		ReceiptTimeout:     time.Second,
	}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if tr.From() != crypto.PubkeyToAddress(key.PublicKey) {
		t.Fatal("from address mismatch")
	}
	return tr
}

func TestTransactorSendsAndWaits(t *testing.T) {
	backend := &fakeTxBackend{receiptAfter: 2, status: types.ReceiptStatusSuccessful}
	tr := newTestTransactor(t, backend)

	var observed common.Hash
	res, err := tr.Send(context.Background(), Call{Method: "submitOutcome", To: testOracle, Data: []byte{1, 2, 3, 4}}, func(h common.Hash) {
		observed = h
		if backend.lookups != 0 {
			t.Errorf("observer must run before the receipt wait")
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(backend.sent) != 1 {
		t.Fatalf("expected one transaction, got %d", len(backend.sent))
	}
	tx := backend.sent[0]
	if tx.Nonce() != 3 || tx.Gas() != 120000 || tx.GasFeeCap().Cmp(big.NewInt(5_000_000_000)) != 0 {
		t.Fatalf("unexpected tx nonce=%d gas=%d feeCap=%s", tx.Nonce(), tx.Gas(), tx.GasFeeCap())
	}
	if observed != tx.Hash() || res.Hash != tx.Hash() || res.BlockNumber != 100 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestTransactorCancelledContextStillWaits(t *testing.T) {
	backend := &fakeTxBackend{receiptAfter: 1, status: types.ReceiptStatusSuccessful}
	tr := newTestTransactor(t, backend)

	ctx, cancel := context.WithCancel(context.Background())
	_, err := tr.Send(ctx, Call{Method: "settlePool", To: testOracle}, func(common.Hash) { cancel() })
	if err != nil {
		t.Fatalf("in-flight transaction should be carried to its receipt: %v", err)
	}
}

func TestTransactorPreflightRevert(t *testing.T) {
	backend := &fakeTxBackend{callErr: revertErr{msg: "execution reverted", data: encodeRevert(t, "Already refunded")}}
	tr := newTestTransactor(t, backend)

	_, err := tr.Send(context.Background(), Call{Method: "refundPool", To: testOracle}, nil)
	if !IsAlreadyRefunded(err) {
		t.Fatalf("expected already refunded revert, got %v", err)
	}
	if len(backend.sent) != 0 {
		t.Fatal("nothing may be sent after a preflight revert")
	}
}

func TestTransactorFailedReceipt(t *testing.T) {
	backend := &fakeTxBackend{status: types.ReceiptStatusFailed}
	tr := newTestTransactor(t, backend)

	res, err := tr.Send(context.Background(), Call{Method: "resolveDailyCycle", To: testOddyssey}, nil)
	var rev *RevertError
	if !errors.As(err, &rev) || rev.TxHash != res.Hash.Hex() {
		t.Fatalf("expected on-chain revert, got %v", err)
	}
}
