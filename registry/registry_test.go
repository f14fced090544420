package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"math/rand"
	"testing"

	"github.com/defistate/yield-allocator-go/adapter"
	"github.com/defistate/yield-allocator-go/ledger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	owner     = common.HexToAddress("0x0e")
	stranger  = common.HexToAddress("0x5a")
	protocolA = common.HexToAddress("0xaa")
	protocolB = common.HexToAddress("0xbb")
	usdc      = common.HexToAddress("0x1001")
	dai       = common.HexToAddress("0x1002")
	weth      = common.HexToAddress("0x1003")
)

// fakeAdapter answers identity and yield queries only.
type fakeAdapter struct {
	adapter.Adapter
	addr       common.Address
	underlying common.Address
	receipt    common.Address
	yield      *uint256.Int
}

func newFake(n uint64, underlying common.Address, yield uint64) *fakeAdapter {
	return &fakeAdapter{
		addr:       common.BigToAddress(new(big.Int).SetUint64(0xad00 + n)),
		underlying: underlying,
		receipt:    common.BigToAddress(new(big.Int).SetUint64(0xec00 + n)),
		yield:      uint256.NewInt(yield),
	}
}

func (f *fakeAdapter) Address() common.Address         { return f.addr }
func (f *fakeAdapter) UnderlyingAsset() common.Address { return f.underlying }
func (f *fakeAdapter) ReceiptToken() common.Address    { return f.receipt }
func (f *fakeAdapter) CurrentYield() *uint256.Int      { return new(uint256.Int).Set(f.yield) }

// HypotheticalYield drops one unit of yield per unit deposited.
func (f *fakeAdapter) HypotheticalYield(delta *big.Int) *uint256.Int {
	y := f.yield.ToBig()
	y.Sub(y, delta)
	if y.Sign() < 0 {
		return new(uint256.Int)
	}
	return uint256.MustFromBig(y)
}

type fixture struct {
	ledger   *ledger.Ledger
	registry *Registry
	recorder *ledger.Recorder
}

func newFixture(t *testing.T, maxPerAsset int) *fixture {
	t.Helper()
	l, err := ledger.New(ledger.Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	require.NoError(t, err)
	r, err := New(Config{
		Ledger:              l,
		Address:             common.HexToAddress("0x4e6"),
		Owner:               owner,
		MaxAdaptersPerAsset: maxPerAsset,
		Registry:            prometheus.NewRegistry(),
		Logger:              slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	rec := &ledger.Recorder{}
	l.Subscribe(rec.Record)
	return &fixture{ledger: l, registry: r, recorder: rec}
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestProtocolLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	r := f.registry

	id, err := r.AddProtocol(ctx, ledger.External(owner), protocolA)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)
	id, err = r.AddProtocol(ctx, ledger.External(owner), protocolB)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), id)

	testCases := []struct {
		name     string
		caller   common.Address
		protocol common.Address
		wantErr  error
	}{
		{name: "not owner", caller: stranger, protocol: common.HexToAddress("0xcc"), wantErr: ErrUnauthorized},
		{name: "null address", caller: owner, protocol: common.Address{}, wantErr: ErrNull},
		{name: "already registered", caller: owner, protocol: protocolA, wantErr: ErrAlreadyExists},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.AddProtocol(ctx, ledger.External(tc.caller), tc.protocol)
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}

	assert.ErrorIs(t, r.RemoveProtocol(ctx, ledger.External(stranger), protocolA), ErrUnauthorized)
	require.NoError(t, r.RemoveProtocol(ctx, ledger.External(owner), protocolA))
	assert.ErrorIs(t, r.RemoveProtocol(ctx, ledger.External(owner), protocolA), ErrNotFound)

	_, ok := r.ProtocolID(protocolA)
	assert.False(t, ok)
	_, ok = r.ProtocolAddress(1)
	assert.False(t, ok)
	assert.Equal(t, uint64(2), r.ProtocolsCount(), "the counter never goes down")

	id, err = r.AddProtocol(ctx, ledger.External(owner), protocolA)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), id, "ids are never reused")
	addr, ok := r.ProtocolAddress(3)
	require.True(t, ok)
	assert.Equal(t, protocolA, addr)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.metrics.protocols))
}

func TestAddAdapter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)
	r := f.registry
	_, err := r.AddProtocol(ctx, ledger.External(owner), protocolA)
	require.NoError(t, err)

	a1 := newFake(1, usdc, 5)
	a2 := newFake(2, usdc, 7)
	a3 := newFake(3, usdc, 9)

	assert.ErrorIs(t, r.AddAdapter(ctx, ledger.External(stranger), a1), ErrNotFound)

	require.NoError(t, r.AddAdapter(ctx, ledger.External(protocolA), a1))
	require.NoError(t, r.AddAdapter(ctx, ledger.External(owner), a2))

	id, ok := r.AdapterProtocol(a1.addr)
	require.True(t, ok)
	assert.Equal(t, uint64(1), id)
	id, ok = r.AdapterProtocol(a2.addr)
	require.True(t, ok)
	assert.Equal(t, OwnerProtocolID, id)

	wrapperTaken := newFake(4, dai, 1)
	wrapperTaken.receipt = a1.receipt
	noReceipt := newFake(5, dai, 1)
	noReceipt.receipt = common.Address{}
	noUnderlying := newFake(6, common.Address{}, 1)

	testCases := []struct {
		name    string
		adapter adapter.Adapter
		wantErr error
	}{
		{name: "nil adapter", adapter: nil, wantErr: ErrNull},
		{name: "missing receipt", adapter: noReceipt, wantErr: ErrInvalidAdapter},
		{name: "missing underlying", adapter: noUnderlying, wantErr: ErrInvalidAdapter},
		{name: "wrapper already mapped", adapter: wrapperTaken, wantErr: ErrAlreadyExists},
		{name: "list full", adapter: a3, wantErr: ErrTooManyAdapters},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, r.AddAdapter(ctx, ledger.External(owner), tc.adapter), tc.wantErr)
		})
	}

	assert.Equal(t, []common.Address{a1.addr, a2.addr}, r.Adapters(usdc))
	got, ok := r.AdapterForWrapper(a2.receipt)
	require.True(t, ok)
	assert.Equal(t, a2.addr, got)
	assert.Equal(t, []common.Address{usdc}, r.SupportedTokens())
	assert.Equal(t, []string{"ProtocolAdded", "SupportAdded", "AdapterAdded", "AdapterAdded"}, f.recorder.From(r.Address()),
		"support is signalled once per asset")
	assert.Equal(t, 2.0, testutil.ToFloat64(r.metrics.adapters.WithLabelValues(usdc.Hex())))
}

func TestRemoveAdapterAuthorization(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	r := f.registry
	_, err := r.AddProtocol(ctx, ledger.External(owner), protocolA)
	require.NoError(t, err)
	_, err = r.AddProtocol(ctx, ledger.External(owner), protocolB)
	require.NoError(t, err)

	fromA := newFake(1, usdc, 1)
	fromOwner := newFake(2, usdc, 1)
	require.NoError(t, r.AddAdapter(ctx, ledger.External(protocolA), fromA))
	require.NoError(t, r.AddAdapter(ctx, ledger.External(owner), fromOwner))

	assert.ErrorIs(t, r.RemoveAdapter(ctx, ledger.External(stranger), fromA.addr), ErrUnauthorized)
	assert.ErrorIs(t, r.RemoveAdapter(ctx, ledger.External(protocolB), fromA.addr), ErrUnauthorized)
	assert.ErrorIs(t, r.RemoveAdapter(ctx, ledger.External(protocolA), fromOwner.addr), ErrUnauthorized)
	assert.ErrorIs(t, r.RemoveAdapter(ctx, ledger.External(owner), common.HexToAddress("0xdead")), ErrNotFound)

	require.NoError(t, r.RemoveAdapter(ctx, ledger.External(protocolA), fromA.addr))
	require.NoError(t, r.RemoveAdapter(ctx, ledger.External(owner), fromOwner.addr))
	assert.Empty(t, r.Adapters(usdc))
}

func TestRemovingLastAdapterDropsSupport(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	r := f.registry

	a1, a2, a3 := newFake(1, usdc, 1), newFake(2, usdc, 1), newFake(3, usdc, 1)
	for _, a := range []*fakeAdapter{a1, a2, a3} {
		require.NoError(t, r.AddAdapter(ctx, ledger.External(owner), a))
	}

	require.NoError(t, r.RemoveAdapter(ctx, ledger.External(owner), a2.addr))
	assert.Equal(t, []common.Address{a1.addr, a3.addr}, r.Adapters(usdc), "removal keeps order")
	assert.True(t, r.IsSupported(usdc))

	require.NoError(t, r.RemoveAdapter(ctx, ledger.External(owner), a1.addr))
	require.NoError(t, r.RemoveAdapter(ctx, ledger.External(owner), a3.addr))
	assert.False(t, r.IsSupported(usdc))
	assert.Empty(t, r.SupportedTokens())
	_, ok := r.AdapterForWrapper(a1.receipt)
	assert.False(t, ok)

	require.NoError(t, r.AddAdapter(ctx, ledger.External(owner), a2))
	assert.Equal(t, []common.Address{usdc}, r.SupportedTokens())
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.assets))
}

func TestAddThenRemoveRestoresState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	r := f.registry
	_, err := r.AddProtocol(ctx, ledger.External(owner), protocolA)
	require.NoError(t, err)
	require.NoError(t, r.AddAdapter(ctx, ledger.External(owner), newFake(1, dai, 1)))

	for _, asset := range []common.Address{dai, usdc} {
		t.Run(asset.Hex(), func(t *testing.T) {
			before := r.Snapshot()
			a := newFake(10, asset, 1)
			require.NoError(t, r.AddAdapter(ctx, ledger.External(protocolA), a))
			require.NoError(t, r.RemoveAdapter(ctx, ledger.External(protocolA), a.addr))
			assert.Equal(t, before, r.Snapshot())
		})
	}
}

func TestSupportedSetTracksAdapterListsUnderRandomOperations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	r := f.registry
	rng := rand.New(rand.NewSource(42))

	assets := []common.Address{usdc, dai, weth}
	pool := make([]*fakeAdapter, 12)
	for i := range pool {
		pool[i] = newFake(uint64(i), assets[i%len(assets)], uint64(i))
	}
	registered := make(map[common.Address]bool)

	for step := 0; step < 500; step++ {
		a := pool[rng.Intn(len(pool))]
		if registered[a.addr] {
			require.NoError(t, r.RemoveAdapter(ctx, ledger.External(owner), a.addr))
			registered[a.addr] = false
		} else {
			require.NoError(t, r.AddAdapter(ctx, ledger.External(owner), a))
			registered[a.addr] = true
		}

		for _, asset := range assets {
			require.Equal(t, len(r.Adapters(asset)) > 0, r.IsSupported(asset),
				"step %d: asset %s supported=%v with %d adapters", step, asset, r.IsSupported(asset), len(r.Adapters(asset)))
		}
		for _, asset := range r.SupportedTokens() {
			require.NotEmpty(t, r.Adapters(asset))
		}
	}
}

func TestBestAdapter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	r := f.registry

	addr, yield := r.BestAdapter(usdc)
	assert.Equal(t, common.Address{}, addr)
	assert.True(t, yield.IsZero())

	low := newFake(1, usdc, 100)
	highFirst := newFake(2, usdc, 300)
	highSecond := newFake(3, usdc, 300)
	deep := newFake(4, usdc, 250)
	for _, a := range []*fakeAdapter{low, highFirst, highSecond, deep} {
		require.NoError(t, r.AddAdapter(ctx, ledger.External(owner), a))
	}

	addr, yield = r.BestAdapter(usdc)
	assert.Equal(t, highFirst.addr, addr, "ties go to the first registered")
	assert.Equal(t, uint64(300), yield.Uint64())

	addr, _ = r.BestAdapterForDeposit(usdc, uint256.NewInt(10), highFirst.addr)
	assert.Equal(t, highSecond.addr, addr, "excluded adapter is never compared")

	addr, yield = r.BestAdapterForDeposit(usdc, uint256.NewInt(1_000), common.Address{})
	assert.Equal(t, low.addr, addr, "every candidate drops to zero, first wins")
	assert.True(t, yield.IsZero())

	ranked, yields, err := r.AdaptersRankedByYield(usdc)
	require.NoError(t, err)
	assert.Equal(t, []common.Address{highFirst.addr, highSecond.addr, deep.addr, low.addr}, ranked)
	assert.Equal(t, uint64(100), yields[3].Uint64())
	assert.Equal(t, []common.Address{low.addr, highFirst.addr, highSecond.addr, deep.addr}, r.Adapters(usdc),
		"ranking does not reorder the registry list")
}

func TestFailedCallLeavesRegistryAndMetricsUntouched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	r := f.registry

	boom := errors.New("boom")
	err := f.ledger.Execute(ctx, func(ctx context.Context) error {
		if _, err := r.AddProtocol(ctx, ledger.External(owner), protocolA); err != nil {
			return err
		}
		if err := r.AddAdapter(ctx, ledger.External(protocolA), newFake(1, usdc, 1)); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	assert.Equal(t, uint64(0), r.ProtocolsCount())
	assert.Empty(t, r.Adapters(usdc))
	assert.False(t, r.IsSupported(usdc))
	assert.Empty(t, f.recorder.Logs)
	assert.Equal(t, 0.0, testutil.ToFloat64(r.metrics.protocols))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.metrics.assets))
}

func TestKnownVaults(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	r := f.registry

	vaults := make([]common.Address, 3)
	for i := range vaults {
		vaults[i] = common.HexToAddress(fmt.Sprintf("0x%x", 0x7a00+i))
		require.NoError(t, r.AddVault(ctx, ledger.External(owner), vaults[i]))
	}

	assert.ErrorIs(t, r.AddVault(ctx, ledger.External(stranger), common.HexToAddress("0x7b")), ErrUnauthorized)
	assert.ErrorIs(t, r.AddVault(ctx, ledger.External(owner), vaults[0]), ErrAlreadyExists)
	assert.ErrorIs(t, r.AddVault(ctx, ledger.External(owner), common.Address{}), ErrNull)
	assert.Equal(t, vaults, r.Vaults())

	require.NoError(t, r.RemoveVault(ctx, ledger.External(owner), vaults[1]))
	assert.False(t, r.IsVault(vaults[1]))
	assert.True(t, r.IsVault(vaults[2]))
	assert.ErrorIs(t, r.RemoveVault(ctx, ledger.External(owner), vaults[1]), ErrNotFound)
	assert.Equal(t, 2.0, testutil.ToFloat64(r.metrics.vaults))
}
