package testing

import (
	"bytes"
	"context"
	"testing"

	"github.com/marmos91/dittofat/pkg/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// SuiteSectors is the capacity requested from NewDevice.
const SuiteSectors = 64

// DeviceTestSuite is a reusable test suite for BlockDevice implementations.
// It tests the interface contract, not implementation details.
//
// Usage:
//
//	func TestMyDevice(t *testing.T) {
//	    suite := &devtest.DeviceTestSuite{
//	        NewDevice: func(t *testing.T) device.BlockDevice {
//	            return mydevice.New(512, devtest.SuiteSectors)
//	        },
//	    }
//	    suite.Run(t)
//	}
type DeviceTestSuite struct {
	// NewDevice creates a fresh, zero-filled, writable device of
	// SuiteSectors sectors for each test.
	NewDevice func(t *testing.T) device.BlockDevice
}

// Run executes all tests in the suite.
func (suite *DeviceTestSuite) Run(t *testing.T) {
	t.Run("Geometry", suite.testGeometry)
	t.Run("FreshDeviceReadsZero", suite.testFreshDeviceReadsZero)
	t.Run("WriteReadRoundTrip", suite.testWriteReadRoundTrip)
	t.Run("OverwriteWithZeros", suite.testOverwriteWithZeros)
	t.Run("OutOfRange", suite.testOutOfRange)
	t.Run("Misaligned", suite.testMisaligned)
	t.Run("CancelledContext", suite.testCancelledContext)
	t.Run("Close", suite.testClose)
}

func testContext() context.Context {
	return context.Background()
}

func pattern(size int, seed byte) []byte {
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = seed + byte(i%251)
	}
	return buf
}

func (suite *DeviceTestSuite) testGeometry(t *testing.T) {
	dev := suite.NewDevice(t)
	defer func() { _ = dev.Close() }()

	assert.GreaterOrEqual(t, dev.SectorSize(), 512)
	assert.Equal(t, int64(SuiteSectors), dev.SectorCount())
	assert.False(t, dev.ReadOnly())
}

func (suite *DeviceTestSuite) testFreshDeviceReadsZero(t *testing.T) {
	dev := suite.NewDevice(t)
	defer func() { _ = dev.Close() }()

	buf := pattern(4*dev.SectorSize(), 1)
	require.NoError(t, dev.ReadSectors(testContext(), 10, buf))
	assert.Equal(t, make([]byte, len(buf)), buf)
}

func (suite *DeviceTestSuite) testWriteReadRoundTrip(t *testing.T) {
	dev := suite.NewDevice(t)
	defer func() { _ = dev.Close() }()
	ss := dev.SectorSize()

	data := pattern(3*ss, 7)
	require.NoError(t, dev.WriteSectors(testContext(), 5, data))

	// Read a window straddling the written run.
	got := make([]byte, 5*ss)
	require.NoError(t, dev.ReadSectors(testContext(), 4, got))
	assert.Equal(t, make([]byte, ss), got[:ss])
	assert.True(t, bytes.Equal(data, got[ss:4*ss]))
	assert.Equal(t, make([]byte, ss), got[4*ss:])

	// Last sector is addressable.
	last := pattern(ss, 99)
	require.NoError(t, dev.WriteSectors(testContext(), SuiteSectors-1, last))
	got = make([]byte, ss)
	require.NoError(t, dev.ReadSectors(testContext(), SuiteSectors-1, got))
	assert.Equal(t, last, got)

	require.NoError(t, dev.Sync(testContext()))
}

func (suite *DeviceTestSuite) testOverwriteWithZeros(t *testing.T) {
	dev := suite.NewDevice(t)
	defer func() { _ = dev.Close() }()
	ss := dev.SectorSize()

	require.NoError(t, dev.WriteSectors(testContext(), 2, pattern(2*ss, 3)))
	require.NoError(t, dev.WriteSectors(testContext(), 3, make([]byte, ss)))

	got := make([]byte, 2*ss)
	require.NoError(t, dev.ReadSectors(testContext(), 2, got))
	assert.Equal(t, pattern(ss, 3), got[:ss])
	assert.Equal(t, make([]byte, ss), got[ss:])
}

func (suite *DeviceTestSuite) testOutOfRange(t *testing.T) {
	dev := suite.NewDevice(t)
	defer func() { _ = dev.Close() }()
	ss := dev.SectorSize()

	err := dev.ReadSectors(testContext(), SuiteSectors-1, make([]byte, 2*ss))
	assert.ErrorIs(t, err, device.ErrOutOfRange)

	err = dev.WriteSectors(testContext(), SuiteSectors, make([]byte, ss))
	assert.ErrorIs(t, err, device.ErrOutOfRange)

	err = dev.ReadSectors(testContext(), -1, make([]byte, ss))
	assert.ErrorIs(t, err, device.ErrOutOfRange)
}

func (suite *DeviceTestSuite) testMisaligned(t *testing.T) {
	dev := suite.NewDevice(t)
	defer func() { _ = dev.Close() }()

	err := dev.WriteSectors(testContext(), 0, make([]byte, dev.SectorSize()+1))
	assert.ErrorIs(t, err, device.ErrMisaligned)

	err = dev.ReadSectors(testContext(), 0, make([]byte, 100))
	assert.ErrorIs(t, err, device.ErrMisaligned)
}

func (suite *DeviceTestSuite) testCancelledContext(t *testing.T) {
	dev := suite.NewDevice(t)
	defer func() { _ = dev.Close() }()

	ctx, cancel := context.WithCancel(testContext())
	cancel()

	err := dev.ReadSectors(ctx, 0, make([]byte, dev.SectorSize()))
	assert.ErrorIs(t, err, context.Canceled)
}

func (suite *DeviceTestSuite) testClose(t *testing.T) {
	dev := suite.NewDevice(t)
	require.NoError(t, dev.Close())

	err := dev.ReadSectors(testContext(), 0, make([]byte, dev.SectorSize()))
	assert.ErrorIs(t, err, device.ErrClosed)
	assert.ErrorIs(t, dev.Close(), device.ErrClosed)
}
