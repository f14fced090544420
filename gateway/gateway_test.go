package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/defistate/yield-allocator-go/adapter/simulated"
	"github.com/defistate/yield-allocator-go/fixedpoint"
	"github.com/defistate/yield-allocator-go/ledger"
	"github.com/defistate/yield-allocator-go/registry"
	"github.com/defistate/yield-allocator-go/vault"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	owner       = common.HexToAddress("0x0e")
	alice       = common.HexToAddress("0xa11ce")
	keeper      = common.HexToAddress("0x4ee9")
	assetAddr   = common.HexToAddress("0x1001")
	gatewayAddr = common.HexToAddress("0x9a7e")
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fixture struct {
	ledger   *ledger.Ledger
	registry *registry.Registry
	gateway  *Gateway
	a, b     *simulated.Market
	// first and second are known to the registry, stray is not
	first, second, stray *vault.Vault
	recorder             *ledger.Recorder
}

func newFixture(t *testing.T, maxBatchSize int) *fixture {
	t.Helper()
	ctx := context.Background()

	l, err := ledger.New(ledger.Config{Logger: discard()})
	require.NoError(t, err)
	asset, minter, err := ledger.NewToken(l, assetAddr, "USDC", 18)
	require.NoError(t, err)
	r, err := registry.New(registry.Config{
		Ledger:   l,
		Address:  common.HexToAddress("0x4e6"),
		Owner:    owner,
		Registry: prometheus.NewRegistry(),
		Logger:   discard(),
	})
	require.NoError(t, err)

	f := &fixture{ledger: l, registry: r}
	for _, m := range []struct {
		market **simulated.Market
		addr   string
		yield  uint64
	}{{&f.a, "0xa0a0", 5}, {&f.b, "0xb0b0", 3}} {
		*m.market, err = simulated.New(simulated.Config{
			Ledger:     l,
			Address:    common.HexToAddress(m.addr),
			Underlying: assetAddr,
			BaseYield:  fixedpoint.Percent(m.yield),
			Slope:      new(uint256.Int),
		})
		require.NoError(t, err)
		require.NoError(t, r.AddAdapter(ctx, ledger.External(owner), *m.market))
	}

	f.gateway, err = New(Config{
		Ledger:          l,
		Address:         gatewayAddr,
		AdapterRegistry: r,
		MaxBatchSize:    maxBatchSize,
		Registry:        prometheus.NewRegistry(),
		Logger:          discard(),
	})
	require.NoError(t, err)

	require.NoError(t, minter.Mint(ctx, alice, fixedpoint.MustParse("30")))
	for _, v := range []struct {
		target **vault.Vault
		addr   string
		known  bool
	}{{&f.first, "0x7a01", true}, {&f.second, "0x7a02", true}, {&f.stray, "0x7a03", false}} {
		*v.target, err = vault.New(ctx, vault.Config{
			Ledger:          l,
			AdapterRegistry: r,
			Address:         common.HexToAddress(v.addr),
			Asset:           assetAddr,
			Owner:           owner,
			Rebalancer:      gatewayAddr,
			Registry:        prometheus.NewRegistry(),
			Logger:          discard(),
		})
		require.NoError(t, err)
		vaultAddr := (*v.target).Address()
		require.NoError(t, asset.Approve(ctx, ledger.External(alice), vaultAddr, ledger.MaxAllowance()))
		_, err = (*v.target).Deposit(ctx, ledger.External(alice), fixedpoint.MustParse("10"))
		require.NoError(t, err)
		if v.known {
			require.NoError(t, r.AddVault(ctx, ledger.External(owner), vaultAddr))
		}
	}

	f.recorder = &ledger.Recorder{}
	l.Subscribe(f.recorder.Record)
	return f
}

// encoder returns a helper that unwraps an encoder's result, failing t on error.
func encoder(t *testing.T) func(input []byte, err error) []byte {
	return func(input []byte, err error) []byte {
		t.Helper()
		require.NoError(t, err)
		return input
	}
}

func position(m *simulated.Market, v *vault.Vault) string {
	return fixedpoint.Format(m.BalanceUnderlying(v.Address()))
}

func TestExecuteDispatchesEveryCall(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)

	rebalance := encoder(t)(EncodeRebalance())
	reweight := encoder(t)(EncodeRebalanceWithNewAdapters(
		[]common.Address{f.a.Address(), f.b.Address()},
		[]*uint256.Int{fixedpoint.MustParse("0.5"), fixedpoint.MustParse("0.5")},
	))

	err := f.gateway.Execute(ctx, ledger.External(keeper),
		[]common.Address{f.first.Address(), f.second.Address()},
		[][]byte{rebalance, reweight})
	require.NoError(t, err)

	assert.Equal(t, "9", position(f.a, f.first))
	assert.Equal(t, "4.5", position(f.a, f.second))
	assert.Equal(t, "4.5", position(f.b, f.second))

	names := f.recorder.From(gatewayAddr)
	assert.Equal(t, []string{"BatchExecuted"}, names)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.gateway.metrics.batches.WithLabelValues(outcomeCommitted)))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.gateway.metrics.calls))
}

func TestExecuteIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	rebalance := encoder(t)(EncodeRebalance())

	testCases := []struct {
		name    string
		vaults  []common.Address
		calls   [][]byte
		wantErr error
	}{
		{
			name:    "second vault unknown",
			vaults:  []common.Address{f.first.Address(), f.stray.Address()},
			calls:   [][]byte{rebalance, rebalance},
			wantErr: ErrUnknownVault,
		},
		{
			name:   "second call fails",
			vaults: []common.Address{f.first.Address(), f.second.Address()},
			calls: [][]byte{rebalance, encoder(t)(EncodeRebalanceWithNewWeights(
				[]*uint256.Int{fixedpoint.MustParse("0.5"), fixedpoint.MustParse("0.5")},
			))},
			wantErr: vault.ErrLengthMismatch,
		},
		{
			name:    "second selector not allowed",
			vaults:  []common.Address{f.first.Address(), f.second.Address()},
			calls:   [][]byte{rebalance, {0xa9, 0x05, 0x9c, 0xbb}},
			wantErr: ErrFunctionNotAllowed,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f.recorder.Reset()
			err := f.gateway.Execute(ctx, ledger.External(keeper), tc.vaults, tc.calls)
			require.ErrorIs(t, err, tc.wantErr)

			for _, v := range []*vault.Vault{f.first, f.second} {
				assert.Equal(t, "10", fixedpoint.Format(v.Idle()), "vault %s moved funds", v.Address())
				assert.Equal(t, "0", position(f.a, v))
			}
			assert.Empty(t, f.recorder.Logs)
		})
	}
	assert.Equal(t, 0.0, testutil.ToFloat64(f.gateway.metrics.batches.WithLabelValues(outcomeCommitted)))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.gateway.metrics.batches.WithLabelValues(outcomeRejected)))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.gateway.metrics.batches.WithLabelValues(outcomeReverted)))
}

func TestExecuteValidationOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)
	rebalance := encoder(t)(EncodeRebalance())
	first, stray := f.first.Address(), f.stray.Address()

	testCases := []struct {
		name    string
		caller  ledger.Caller
		vaults  []common.Address
		calls   [][]byte
		wantErr error
	}{
		{
			name:    "nested caller before anything else",
			caller:  ledger.External(keeper).Via(common.HexToAddress("0xc0de")),
			vaults:  []common.Address{first, stray},
			calls:   [][]byte{rebalance},
			wantErr: ErrNotExternalActor,
		},
		{
			name:    "length mismatch before unknown vault",
			caller:  ledger.External(keeper),
			vaults:  []common.Address{stray, stray},
			calls:   [][]byte{rebalance},
			wantErr: ErrLengthMismatch,
		},
		{
			name:    "batch too large",
			caller:  ledger.External(keeper),
			vaults:  []common.Address{first, first, first},
			calls:   [][]byte{rebalance, rebalance, rebalance},
			wantErr: ErrBatchTooLarge,
		},
		{
			name:    "unknown vault before selector",
			caller:  ledger.External(keeper),
			vaults:  []common.Address{stray},
			calls:   [][]byte{{0x01}},
			wantErr: ErrUnknownVault,
		},
		{
			name:    "short call",
			caller:  ledger.External(keeper),
			vaults:  []common.Address{first},
			calls:   [][]byte{{0x01}},
			wantErr: ErrFunctionNotAllowed,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := f.gateway.Execute(ctx, tc.caller, tc.vaults, tc.calls)
			assert.ErrorIs(t, err, tc.wantErr)
			var callErr *CallError
			assert.False(t, errors.As(err, &callErr))
		})
	}

	assert.NoError(t, f.gateway.Execute(ctx, ledger.External(keeper), nil, nil), "an empty batch is a no-op")
}

func TestExecuteForwardsReasons(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	rebalance := encoder(t)(EncodeRebalance())

	t.Run("reason bearing", func(t *testing.T) {
		// the gateway is no longer allowed to rebalance second
		require.NoError(t, f.second.SetRebalancer(ctx, ledger.External(owner), common.Address{}))
		err := f.gateway.Execute(ctx, ledger.External(keeper),
			[]common.Address{f.first.Address(), f.second.Address()}, [][]byte{rebalance, rebalance})

		var callErr *CallError
		require.True(t, errors.As(err, &callErr))
		assert.Equal(t, 1, callErr.Index)
		assert.Equal(t, f.second.Address(), callErr.Vault)
		assert.Contains(t, callErr.Reason, "unauthorized")
		assert.ErrorIs(t, err, vault.ErrUnauthorized)
		assert.NotErrorIs(t, err, ErrSilentRevert)
		assert.Equal(t, "0", position(f.a, f.first))
	})

	t.Run("silent", func(t *testing.T) {
		malformed := append(vault.Selector(vault.MethodRebalanceWithNewWeights), 0x01)
		err := f.gateway.Execute(ctx, ledger.External(keeper),
			[]common.Address{f.first.Address()}, [][]byte{malformed})

		var callErr *CallError
		require.True(t, errors.As(err, &callErr))
		assert.Empty(t, callErr.Reason)
		assert.ErrorIs(t, err, ErrSilentRevert)
		assert.Contains(t, err.Error(), ErrSilentRevert.Error())
	})

	t.Run("known vault that is not callable", func(t *testing.T) {
		require.NoError(t, f.registry.AddVault(ctx, ledger.External(owner), assetAddr))
		err := f.gateway.Execute(ctx, ledger.External(keeper), []common.Address{assetAddr}, [][]byte{rebalance})
		assert.ErrorIs(t, err, ErrSilentRevert)
	})

	t.Run("known vault without a contract", func(t *testing.T) {
		empty := common.HexToAddress("0xe3e3")
		require.NoError(t, f.registry.AddVault(ctx, ledger.External(owner), empty))
		err := f.gateway.Execute(ctx, ledger.External(keeper), []common.Address{empty}, [][]byte{rebalance})

		var callErr *CallError
		require.True(t, errors.As(err, &callErr))
		assert.ErrorIs(t, err, ledger.ErrNoContract)
		assert.NotEmpty(t, callErr.Reason)
	})
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	f := newFixture(t, 0)
	_, err = New(Config{
		Ledger:          f.ledger,
		Address:         gatewayAddr,
		AdapterRegistry: f.registry,
		Registry:        prometheus.NewRegistry(),
		Logger:          discard(),
	})
	assert.ErrorIs(t, err, ledger.ErrAlreadyDeployed)
}
