package instrument

import (
	"errors"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/loykin/cs150ctl/internal/process"
	"github.com/loykin/cs150ctl/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProc struct {
	alive      bool
	terminates int
	lastWait   time.Duration
	sendErr    error
	termErr    error
}

func (p *fakeProc) Alive() bool   { return p.alive }
func (p *fakeProc) PID() int      { return 4242 }
func (p *fakeProc) ExitCode() int { return -1 }

func (p *fakeProc) Terminate(sendExit func() error, timeout time.Duration) error {
	p.terminates++
	p.lastWait = timeout
	if sendExit != nil {
		p.sendErr = sendExit()
	}
	p.alive = false
	return p.termErr
}

// fakeTransport records every command and answers from a script.
type fakeTransport struct {
	sent    []string
	replies []string
	doErr   error
	sendErr error
}

func (f *fakeTransport) Do(cmd protocol.Command) (protocol.Response, error) {
	f.sent = append(f.sent, cmd.String())
	if f.doErr != nil {
		return protocol.Response{}, f.doErr
	}
	if len(f.replies) == 0 {
		return protocol.Response{}, fmt.Errorf("%w: no scripted reply", protocol.ErrConnectionLost)
	}
	line := f.replies[0]
	f.replies = f.replies[1:]
	return protocol.ParseResponse(line), nil
}

func (f *fakeTransport) Send(cmd protocol.Command) error {
	f.sent = append(f.sent, cmd.String())
	return f.sendErr
}

func newTestDevice(replies ...string) (*Device, *fakeProc, *fakeTransport) {
	p := &fakeProc{alive: true}
	tr := &fakeTransport{replies: replies}
	return New(p, tr, WithStopTimeout(time.Second)), p, tr
}

func TestConnectTransitionsOnSuccess(t *testing.T) {
	d, _, tr := newTestDevice("SUCCESS,Connected to CS-150")
	assert.Equal(t, Disconnected, d.State())
	require.NoError(t, d.Connect())
	assert.Equal(t, Connected, d.State())
	assert.Equal(t, []string{"CONNECT"}, tr.sent)

	// already connected: no second CONNECT on the wire
	require.NoError(t, d.Connect())
	assert.Equal(t, []string{"CONNECT"}, tr.sent)
}

func TestConnectAppliesInitialIntegrationTimeOnce(t *testing.T) {
	p := &fakeProc{alive: true}
	tr := &fakeTransport{replies: []string{"SUCCESS", "SUCCESS,Integration time set"}}
	d := New(p, tr, WithIntegrationTime(Seconds(0.5)))
	require.NoError(t, d.Connect())
	require.NoError(t, d.Connect())
	assert.Equal(t, []string{"CONNECT", "INTEG 0.5"}, tr.sent)
}

func TestInitialIntegrationTimeRejectedStaysConnected(t *testing.T) {
	p := &fakeProc{alive: true}
	tr := &fakeTransport{replies: []string{"SUCCESS", "ERROR,Failed to set integration time with code: 3"}}
	d := New(p, tr, WithIntegrationTime(Auto()))
	require.ErrorIs(t, d.Connect(), ErrIntegrationTimeFailure)
	assert.Equal(t, Connected, d.State())
	require.NoError(t, d.Connect())
	assert.Equal(t, []string{"CONNECT", "INTEG AUTO"}, tr.sent)
}

func TestConnectFailureKeepsDisconnected(t *testing.T) {
	d, _, tr := newTestDevice("FAILURE,no device", "SUCCESS")
	err := d.Connect()
	require.ErrorIs(t, err, ErrConnectionFailure)
	assert.Contains(t, err.Error(), "no device")
	assert.Equal(t, Disconnected, d.State())

	var re *ResponseError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "FAILURE,no device", re.Response)
	assert.Equal(t, "CONNECT", re.Command)

	// a fresh CONNECT is still required
	_, err = d.Measure()
	require.ErrorIs(t, err, ErrNotConnected)
	require.NoError(t, d.Connect())
	assert.Equal(t, []string{"CONNECT", "CONNECT"}, tr.sent)
}

func TestConnectAcceptsSuccessPrefix(t *testing.T) {
	for _, line := range []string{"SUCCESS Connected", "SUCCESS:ok", "SUCCESSFUL"} {
		t.Run(line, func(t *testing.T) {
			d, _, _ := newTestDevice(line)
			require.NoError(t, d.Connect())
			assert.Equal(t, Connected, d.State())
		})
	}
}

func TestSetIntegrationTimeAndBacklightAcceptSuccessPrefix(t *testing.T) {
	d, _, _ := newTestDevice("SUCCESS", "SUCCESS: integration time set", "SUCCESS Backlight ON")
	require.NoError(t, d.Connect())
	require.NoError(t, d.SetIntegrationTime(Seconds(2)))
	require.NoError(t, d.SetBacklight(true))
}

func TestConnectErrorPrefixIsRejection(t *testing.T) {
	d, _, _ := newTestDevice("ERROR,KmErrorNoDevice")
	require.ErrorIs(t, d.Connect(), ErrConnectionFailure)
	assert.Equal(t, Disconnected, d.State())
}

func TestMeasureBeforeConnectNeverTouchesWire(t *testing.T) {
	d, _, tr := newTestDevice("SUCCESS,1,2,3")
	_, err := d.Measure()
	require.ErrorIs(t, err, ErrNotConnected)
	assert.Empty(t, tr.sent)
	require.ErrorIs(t, d.SetIntegrationTime(Seconds(1)), ErrNotConnected)
	require.ErrorIs(t, d.SetBacklight(true), ErrNotConnected)
	assert.Empty(t, tr.sent)
}

func TestMeasureParsesTriple(t *testing.T) {
	d, _, tr := newTestDevice("SUCCESS", "SUCCESS,12.3456,0.3127,0.3290")
	require.NoError(t, d.Connect())
	m, err := d.Measure()
	require.NoError(t, err)
	assert.Equal(t, Measurement{Luminance: 12.3456, X: 0.3127, Y: 0.3290}, m)
	assert.Equal(t, "12.3456", strconv.FormatFloat(m.Luminance, 'f', -1, 64))
	assert.Equal(t, "0.3127", strconv.FormatFloat(m.X, 'f', -1, 64))
	assert.Equal(t, "0.329", strconv.FormatFloat(m.Y, 'f', -1, 64))
	assert.Equal(t, []string{"CONNECT", "MEASURE"}, tr.sent)
}

func TestMeasureIgnoresExtraFields(t *testing.T) {
	d, _, _ := newTestDevice("SUCCESS", "SUCCESS,1,0.2,0.3,extra")
	require.NoError(t, d.Connect())
	m, err := d.Measure()
	require.NoError(t, err)
	assert.Equal(t, Measurement{Luminance: 1, X: 0.2, Y: 0.3}, m)
}

func TestMeasureFailures(t *testing.T) {
	cases := map[string]string{
		"rejected":     "FAILURE,timeout",
		"error token":  "ERROR,Polling failed",
		"too few":      "SUCCESS,12.3,0.31",
		"bare success": "SUCCESS",
		"not a number": "SUCCESS,abc,0.31,0.32",
		"empty":        "",
		"joined token": "SUCCESSFUL,1,0.2,0.3",
		"space token":  "SUCCESS 1,0.2,0.3",
	}
	for name, line := range cases {
		t.Run(name, func(t *testing.T) {
			d, _, _ := newTestDevice("SUCCESS", line)
			require.NoError(t, d.Connect())
			_, err := d.Measure()
			require.ErrorIs(t, err, ErrMeasurementFailure)
			var re *ResponseError
			require.True(t, errors.As(err, &re))
			assert.Equal(t, line, re.Response)
			// a failed command does not drop the connection
			assert.Equal(t, Connected, d.State())
		})
	}
}

func TestMeasureFailureMessageCarriesReason(t *testing.T) {
	d, _, _ := newTestDevice("SUCCESS", "FAILURE,timeout")
	require.NoError(t, d.Connect())
	_, err := d.Measure()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
}

func TestMeasureMalformedNumberWrapsParseError(t *testing.T) {
	d, _, _ := newTestDevice("SUCCESS", "SUCCESS,1,x,2")
	require.NoError(t, d.Connect())
	_, err := d.Measure()
	var numErr *strconv.NumError
	assert.True(t, errors.As(err, &numErr))
}

func TestSetIntegrationTimeInvalidSendsNothing(t *testing.T) {
	d, _, tr := newTestDevice("SUCCESS")
	require.NoError(t, d.Connect())
	for _, v := range []IntegrationTime{Seconds(-1), Seconds(0), {}} {
		require.ErrorIs(t, d.SetIntegrationTime(v), ErrInvalidArgument)
	}
	_, err := ParseIntegrationTime("bogus")
	require.ErrorIs(t, err, ErrInvalidArgument)
	assert.Equal(t, []string{"CONNECT"}, tr.sent)
}

func TestSetIntegrationTimeWireFormat(t *testing.T) {
	d, _, tr := newTestDevice("SUCCESS", "SUCCESS,Integration time set", "SUCCESS,Integration time set")
	require.NoError(t, d.Connect())
	require.NoError(t, d.SetIntegrationTime(Seconds(0.5)))
	auto, err := ParseIntegrationTime("AuTo")
	require.NoError(t, err)
	require.NoError(t, d.SetIntegrationTime(auto))
	assert.Equal(t, []string{"CONNECT", "INTEG 0.5", "INTEG AUTO"}, tr.sent)
}

func TestSetIntegrationTimeRejected(t *testing.T) {
	d, _, _ := newTestDevice("SUCCESS", "ERROR,Failed to set integration time with code: 12")
	require.NoError(t, d.Connect())
	err := d.SetIntegrationTime(Auto())
	require.ErrorIs(t, err, ErrIntegrationTimeFailure)
	assert.Contains(t, err.Error(), "code: 12")
	assert.Equal(t, Connected, d.State())
}

func TestBacklight(t *testing.T) {
	d, _, tr := newTestDevice("SUCCESS", "SUCCESS, Backlight ON", "ERROR,7")
	require.NoError(t, d.Connect())
	require.NoError(t, d.SetBacklight(true))
	require.ErrorIs(t, d.SetBacklight(false), ErrBacklightFailure)
	assert.Equal(t, []string{"CONNECT", "BACKLIGHTON", "BACKLIGHTOFF"}, tr.sent)
}

func TestDisconnectResetsState(t *testing.T) {
	d, _, tr := newTestDevice("SUCCESS")
	require.NoError(t, d.Disconnect()) // no-op while disconnected
	assert.Empty(t, tr.sent)
	require.NoError(t, d.Connect())
	require.NoError(t, d.Disconnect())
	assert.Equal(t, Disconnected, d.State())
	assert.Equal(t, []string{"CONNECT", "DISCONNECT"}, tr.sent)
	_, err := d.Measure()
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestConnectionLostPropagates(t *testing.T) {
	d, _, tr := newTestDevice()
	tr.doErr = fmt.Errorf("%w: server process has terminated", protocol.ErrConnectionLost)
	err := d.Connect()
	require.ErrorIs(t, err, ErrConnectionLost)
	assert.Equal(t, Disconnected, d.State())
}

func TestCloseTwice(t *testing.T) {
	d, p, tr := newTestDevice("SUCCESS")
	require.NoError(t, d.Connect())
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	assert.Equal(t, 1, p.terminates)
	assert.Equal(t, time.Second, p.lastWait)
	assert.Equal(t, []string{"CONNECT", "EXIT"}, tr.sent)
	assert.Equal(t, Disconnected, d.State())
	assert.True(t, d.Status().Closed)
}

func TestCloseSwallowsShutdownErrors(t *testing.T) {
	d, p, tr := newTestDevice()
	tr.sendErr = errors.New("broken pipe")
	p.termErr = fmt.Errorf("%w: broken pipe", process.ErrKilled)
	require.NoError(t, d.Close())
	assert.Equal(t, 1, p.terminates)
	assert.EqualError(t, p.sendErr, "broken pipe")
}

func TestCloseOnDeadProcessIsNotice(t *testing.T) {
	d, p, tr := newTestDevice()
	p.alive = false
	require.NoError(t, d.Close())
	assert.Equal(t, 0, p.terminates)
	assert.Empty(t, tr.sent)
}

func TestStatusSnapshot(t *testing.T) {
	d, _, _ := newTestDevice("SUCCESS")
	require.NoError(t, d.Connect())
	st := d.Status()
	assert.Equal(t, "connected", st.State)
	assert.True(t, st.Alive)
	assert.Equal(t, 4242, st.PID)
	assert.False(t, st.Closed)
}
