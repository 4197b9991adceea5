//go:build !integration

// Package unit exercises the orbit runtime end to end without the
// integration build tag (MOVE-mode revocation and many-Area fan-out live
// in test/integration). It imports the module the way a host process would.
package unit

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/orbit"
)

func sumEntry(ctx context.Context, cc *orbit.CallContext, arg []byte) ([]byte, error) {
	var total int64
	for _, snap := range cc.Snapshots {
		b := snap.Bytes()
		for i := 0; i+8 <= len(b); i += 8 {
			total += int64(binary.LittleEndian.Uint64(b[i : i+8]))
		}
	}
	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, uint64(total))
	return out, nil
}

func TestCreateOrbitAndCallSumOfArea(t *testing.T) {
	area, err := orbit.NewArea(4096, orbit.ModeCoW, orbit.AllocatorLinear)
	require.NoError(t, err)
	defer area.Close()

	p, err := area.Alloc(16)
	require.NoError(t, err)
	vals := (*[2]int64)(p)
	vals[0], vals[1] = 40, 2

	params := orbit.DefaultParams(sumEntry)
	params.Name = "sum-checker"
	params.Areas = []*orbit.Area{area}

	o, err := orbit.CreateOrbit(context.Background(), params)
	require.NoError(t, err)
	defer o.Destroy()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := o.Call(ctx, nil, orbit.FlagNone)
	require.NoError(t, err)
	require.Equal(t, int64(42), int64(binary.LittleEndian.Uint64(res.Retval)))
}

func TestCallAsyncThenPull(t *testing.T) {
	area, err := orbit.NewArea(4096, orbit.ModeCopy, orbit.AllocatorLinear)
	require.NoError(t, err)
	defer area.Close()

	params := orbit.DefaultParams(sumEntry)
	params.Areas = []*orbit.Area{area}

	o, err := orbit.CreateOrbit(context.Background(), params)
	require.NoError(t, err)
	defer o.Destroy()

	fut, ok, err := o.CallAsync(nil, orbit.FlagNone)
	require.NoError(t, err)
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := fut.Pull(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), int64(binary.LittleEndian.Uint64(res.Retval)))
}

func TestUpdatePushAndApplyRoundTrip(t *testing.T) {
	entry := func(ctx context.Context, cc *orbit.CallContext, arg []byte) ([]byte, error) {
		if err := cc.Update.AddModify(0xdead, []byte("payload")); err != nil {
			return nil, err
		}
		if err := cc.Update.AddOperation(7, []byte("op-arg")); err != nil {
			return nil, err
		}
		return []byte("ok"), nil
	}

	o, err := orbit.CreateOrbit(context.Background(), orbit.DefaultParams(entry))
	require.NoError(t, err)
	defer o.Destroy()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	fut, ok, err := o.CallAsync(nil, orbit.FlagNone)
	require.NoError(t, err)
	require.True(t, ok)
	res, err := fut.Pull(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("ok"), res.Retval)
	require.NotNil(t, res.Update)

	var modified uintptr
	var ops int
	applied, skipped, err := res.Update.Apply(&orbit.Applier{
		Modify: func(hostPtr uintptr, data []byte) error {
			modified = hostPtr
			require.Equal(t, []byte("payload"), data)
			return nil
		},
		Operation: func(opID uint64, arg []byte) error {
			ops++
			require.Equal(t, uint64(7), opID)
			require.Equal(t, []byte("op-arg"), arg)
			return nil
		},
	}, false)
	require.NoError(t, err)
	require.Equal(t, 2, applied)
	require.Equal(t, 0, skipped)
	require.Equal(t, uintptr(0xdead), modified)
	require.Equal(t, 1, ops)
}

func TestTwoOrbitsAreIsolated(t *testing.T) {
	areaA, err := orbit.NewArea(4096, orbit.ModeCoW, orbit.AllocatorLinear)
	require.NoError(t, err)
	defer areaA.Close()
	pa, err := areaA.Alloc(8)
	require.NoError(t, err)
	*(*int64)(pa) = 10

	areaB, err := orbit.NewArea(4096, orbit.ModeCoW, orbit.AllocatorLinear)
	require.NoError(t, err)
	defer areaB.Close()
	pb, err := areaB.Alloc(8)
	require.NoError(t, err)
	*(*int64)(pb) = 1000

	paramsA := orbit.DefaultParams(sumEntry)
	paramsA.Areas = []*orbit.Area{areaA}
	paramsB := orbit.DefaultParams(sumEntry)
	paramsB.Areas = []*orbit.Area{areaB}

	oa, err := orbit.CreateOrbit(context.Background(), paramsA)
	require.NoError(t, err)
	defer oa.Destroy()
	ob, err := orbit.CreateOrbit(context.Background(), paramsB)
	require.NoError(t, err)
	defer ob.Destroy()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ra, err := oa.Call(ctx, nil, orbit.FlagNone)
	require.NoError(t, err)
	rb, err := ob.Call(ctx, nil, orbit.FlagNone)
	require.NoError(t, err)

	require.Equal(t, int64(10), int64(binary.LittleEndian.Uint64(ra.Retval)))
	require.Equal(t, int64(1000), int64(binary.LittleEndian.Uint64(rb.Retval)))
}

func TestCrashingCheckerKillsOrbitAndGoesGone(t *testing.T) {
	entry := func(ctx context.Context, cc *orbit.CallContext, arg []byte) ([]byte, error) {
		panic("checker blew up")
	}

	o, err := orbit.CreateOrbit(context.Background(), orbit.DefaultParams(entry))
	require.NoError(t, err)
	defer o.Destroy()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := o.Call(ctx, nil, orbit.FlagNone)
	require.NoError(t, err)
	require.ErrorIs(t, res.Err, orbit.ErrGone)
	require.Equal(t, orbit.StateDead, o.State())

	fut, ok, err := o.CallAsync(nil, orbit.FlagNone)
	require.NoError(t, err)
	require.True(t, ok)
	res2, err := fut.Pull(ctx)
	require.NoError(t, err)
	require.ErrorIs(t, res2.Err, orbit.ErrGone)
}

func TestDestroyAllTearsDownEveryOrbit(t *testing.T) {
	var orbits []*orbit.Orbit
	for i := 0; i < 3; i++ {
		o, err := orbit.CreateOrbit(context.Background(), orbit.DefaultParams(sumEntry))
		require.NoError(t, err)
		orbits = append(orbits, o)
	}

	orbit.DestroyAll()

	for _, o := range orbits {
		require.Equal(t, orbit.StateDead, o.State())
	}
}

func TestIsOrbitContextFalseOutsideDispatch(t *testing.T) {
	require.False(t, orbit.IsOrbitContext(context.Background()))
}

func TestLinearAreaAllocAndReset(t *testing.T) {
	area, err := orbit.NewArea(4096, orbit.ModeCopy, orbit.AllocatorLinear)
	require.NoError(t, err)
	defer area.Close()

	_, err = area.Alloc(64)
	require.NoError(t, err)
	require.Greater(t, area.DataLength(), int64(0))

	require.NoError(t, area.Reset())
	require.Equal(t, int64(0), area.DataLength())
}

func TestBitmapAreaAllocFreeRealloc(t *testing.T) {
	area, err := orbit.NewArea(1<<16, orbit.ModeCoW, orbit.AllocatorBitmap)
	require.NoError(t, err)
	defer area.Close()

	p, err := area.Alloc(32)
	require.NoError(t, err)
	require.NotNil(t, p)

	q, err := area.Realloc(p, 64)
	require.NoError(t, err)
	require.NotNil(t, q)

	require.NoError(t, area.Free(q))
}
