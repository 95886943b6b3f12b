package script

import (
	"context"
	"errors"
	"proxybridge/internal/bridge"
	"proxybridge/internal/generation"
	"proxybridge/internal/metadata"
	"proxybridge/internal/reference"
	"proxybridge/internal/tracker"
	"reflect"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errInsufficientFunds = errors.New("insufficient funds")

type Party struct {
	Name     string
	Referrer *Customer
}

type Customer struct {
	Party
	Rating int
}

type Account struct {
	Owner   *Customer
	Balance float64
}

func (a *Account) Deposit(amount float64) float64 {
	a.Balance += amount
	return a.Balance
}

func (a *Account) Transfer(to *Account, amount float64) *Account {
	if to == nil {
		return nil
	}
	a.Balance -= amount
	to.Balance += amount
	return to
}

func (a *Account) Withdraw(amount float64) error {
	if amount > a.Balance {
		return errInsufficientFunds
	}
	a.Balance -= amount
	return nil
}

func OpenAccount(owner *Customer) *Account {
	return &Account{Owner: owner}
}

type fixture struct {
	refs    *reference.Manager
	runtime *Runtime
}

func newFixture(t *testing.T, tr *tracker.Tracker) *fixture {
	t.Helper()

	return newFixtureWith(t, bridge.NewDispatcher(reference.NewManager()), tr)
}

// newCollectingFixture reports every collected proxy to deliver.
func newCollectingFixture(t *testing.T, deliver func(context.Context, *bridge.Dispatcher, reference.Handle) error) (*fixture, *tracker.Tracker) {
	t.Helper()

	dispatcher := bridge.NewDispatcher(reference.NewManager())
	tr := tracker.New(tracker.ReleaseFunc(func(ctx context.Context, handle reference.Handle) error {
		return deliver(ctx, dispatcher, handle)
	}))
	t.Cleanup(tr.Close)

	return newFixtureWith(t, dispatcher, tr), tr
}

func newFixtureWith(t *testing.T, dispatcher *bridge.Dispatcher, tr *tracker.Tracker) *fixture {
	t.Helper()

	refs := dispatcher.References()
	cache := generation.NewCache()
	generator := generation.NewGenerator(cache, nil)

	registrations := []struct {
		goType reflect.Type
		opts   []metadata.Option
	}{
		{reflect.TypeFor[Party](), nil},
		{reflect.TypeFor[Customer](), nil},
		{reflect.TypeFor[Account](), []metadata.Option{
			metadata.WithStaticMethod("Open", OpenAccount),
			metadata.WithParamNames("Open", "owner"),
			metadata.WithParamNames("Transfer", "to", "amount"),
		}},
	}
	for _, registration := range registrations {
		descriptor, err := dispatcher.Register(registration.goType, registration.opts...)
		require.NoError(t, err)
		require.True(t, generator.Generate(descriptor))
	}

	rt, err := New(dispatcher, tr, cache)
	require.NoError(t, err)

	return &fixture{refs: refs, runtime: rt}
}

func (f *fixture) expose(t *testing.T, name string, obj any) reference.Handle {
	t.Helper()

	handle, err := f.refs.EnsureReference(obj)
	require.NoError(t, err)
	require.NoError(t, f.runtime.VM().Set(name, int64(handle)))
	return handle
}

func (f *fixture) run(t *testing.T, source string) any {
	t.Helper()

	value, err := f.runtime.RunString(source)
	require.NoError(t, err)
	return value.Export()
}

func TestProxy_PropertiesAndMethods(t *testing.T) {
	f := newFixture(t, nil)
	account := &Account{Balance: 10}
	f.expose(t, "handle", account)

	value, err := f.runtime.RunString(`
		const Account = require('script-Account');
		const account = new Account(handle);
		account.Balance = 15;
		account.Deposit(5);
	`)
	require.NoError(t, err)

	assert.Equal(t, 20.0, value.ToFloat())
	assert.Equal(t, 20.0, account.Balance)
}

func TestProxy_References(t *testing.T) {
	f := newFixture(t, nil)
	from, to := &Account{Balance: 10}, &Account{}
	f.expose(t, "fromHandle", from)
	f.expose(t, "toHandle", to)

	result := f.run(t, `
		const Account = require('script-Account');
		const from = new Account(fromHandle);
		const to = new Account(toHandle);
		const returned = from.Transfer(to, 4);
		[returned.referenceEquals(to), returned === to, from.Owner === null, from.Transfer(null, 1) === null];
	`)

	assert.Equal(t, []any{true, false, true, true}, result)
	assert.Equal(t, 6.0, from.Balance)
	assert.Equal(t, 4.0, to.Balance)
}

func TestProxy_InheritanceWithCircularRequires(t *testing.T) {
	orders := map[string]string{
		"base first":    `const Party = require('script-Party'); const Customer = require('script-Customer');`,
		"derived first": `const Customer = require('script-Customer'); const Party = require('script-Party');`,
	}

	for name, requires := range orders {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, nil)
			customer := &Customer{Party: Party{Name: "Ada"}, Rating: 4}
			f.expose(t, "handle", customer)

			result := f.run(t, requires+`
				const customer = new Customer(handle);
				customer.Referrer = customer;
				const party = new Party(handle);
				[
					customer instanceof Customer,
					customer instanceof Party,
					customer.Name,
					customer.Rating,
					customer.Referrer.referenceEquals(customer),
					party.Referrer instanceof Customer,
				];
			`)

			assert.Equal(t, []any{true, true, "Ada", int64(4), true, true}, result)
			assert.Same(t, customer, customer.Referrer)
		})
	}
}

func TestProxy_StaticMethod(t *testing.T) {
	f := newFixture(t, nil)
	f.expose(t, "handle", &Customer{Party: Party{Name: "Ada"}})

	result := f.run(t, `
		const Account = require('script-Account');
		const Customer = require('script-Customer');
		Account.Open(new Customer(handle)).Owner.Name;
	`)

	assert.Equal(t, "Ada", result)
}

func TestProxy_HostErrors(t *testing.T) {
	f := newFixture(t, nil)
	f.expose(t, "handle", &Account{Balance: 1})

	result := f.run(t, `
		const Account = require('script-Account');
		let message = '';
		try {
			new Account(handle).Withdraw(100);
		} catch (e) {
			message = e.message;
		}
		message;
	`)
	assert.Contains(t, result, "insufficient funds")

	_, err := f.runtime.RunString(`new Account(999).Balance;`)
	assert.ErrorContains(t, err, "stale reference")

	_, err = f.runtime.RunString(`require('proxybridge').get('script.Account', 'Balance');`)
	assert.ErrorContains(t, err, "needs a handle")

	_, err = f.runtime.RunString(`require('proxybridge').get('script.Account', 'Missing', handle);`)
	assert.ErrorContains(t, err, "unknown member")
}

func TestProxy_Dispose(t *testing.T) {
	f := newFixture(t, nil)
	handle := f.expose(t, "handle", &Account{})

	result := f.run(t, `
		const Account = require('script-Account');
		const account = new Account(handle);
		account.dispose();
		account.dispose();
		account._handle;
	`)

	assert.Equal(t, int64(0), result)
	_, err := f.refs.Resolve(handle)
	assert.ErrorIs(t, err, reference.ErrNotFound)
}

func TestProxy_TrackedConstruction(t *testing.T) {
	tr := tracker.New(tracker.ReleaseFunc(func(context.Context, reference.Handle) error { return nil }))
	defer tr.Close()

	f := newFixture(t, tr)
	f.expose(t, "handle", &Account{Balance: 3})

	value, err := f.runtime.RunString(`
		const Account = require('script-Account');
		new Account(handle).Balance;
	`)
	require.NoError(t, err)
	assert.Equal(t, 3.0, value.ToFloat())
}

func TestProxy_CollectedProxyReleasesHandle(t *testing.T) {
	f, tr := newCollectingFixture(t, func(ctx context.Context, d *bridge.Dispatcher, handle reference.Handle) error {
		return d.Collected(ctx, handle)
	})
	f.expose(t, "handle", &Account{Balance: 3})

	value, err := f.runtime.RunString(`
		var Account = require('script-Account');
		(function () { return new Account(handle).Balance; })();
	`)
	require.NoError(t, err)
	assert.Equal(t, 3.0, value.ToFloat())

	assert.Eventually(t, func() bool {
		runtime.GC()
		return f.refs.Len() == 0 && tr.Delivered() == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestProxy_LateCollectionKeepsReissuedHandle(t *testing.T) {
	entered := make(chan reference.Handle, 16)
	proceed := make(chan struct{})
	var once sync.Once
	resume := func() { once.Do(func() { close(proceed) }) }

	f, tr := newCollectingFixture(t, func(ctx context.Context, d *bridge.Dispatcher, handle reference.Handle) error {
		entered <- handle
		<-proceed
		return d.Collected(ctx, handle)
	})
	t.Cleanup(resume)

	handle := f.expose(t, "handle", &Account{Balance: 7})
	f.expose(t, "other", &Account{})

	_, err := f.runtime.RunString(`
		var Account = require('script-Account');
		(function () { new Account(handle); })();
	`)
	require.NoError(t, err)

	// Hold the collection of the first proxy while the same object crosses again.
	var collected reference.Handle
	require.Eventually(t, func() bool {
		runtime.GC()
		select {
		case collected = <-entered:
			return true
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, handle, collected)

	value, err := f.runtime.RunString(`
		var b = new Account(other).Transfer(new Account(handle), 0);
		b._handle;
	`)
	require.NoError(t, err)
	require.Equal(t, int64(handle), value.ToInteger())

	resume()
	assert.Eventually(t, func() bool {
		return tr.Delivered() >= 1
	}, 5*time.Second, 10*time.Millisecond)

	value, err = f.runtime.RunString(`b.Balance;`)
	require.NoError(t, err)
	assert.Equal(t, 7.0, value.ToFloat())
}

func TestRequire(t *testing.T) {
	f := newFixture(t, nil)

	first, err := f.runtime.Require("script-Account")
	require.NoError(t, err)
	second, err := f.runtime.Require("script-Account")
	require.NoError(t, err)
	assert.True(t, first.SameAs(second))

	base, err := f.runtime.Require(generation.DefaultBaseModule)
	require.NoError(t, err)
	assert.NotNil(t, base)

	_, err = f.runtime.Require("script-Missing")
	assert.ErrorIs(t, err, ErrModuleNotFound)

	_, err = f.runtime.RunString(`require('script-Missing');`)
	assert.ErrorContains(t, err, "module not found")
}
