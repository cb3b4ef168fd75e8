package suspendsvc

import (
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type suspendRecorder struct {
	calls []bool
}

func (r *suspendRecorder) SetSuspended(s bool) {
	r.calls = append(r.calls, s)
}

func TestHandleSignal(t *testing.T) {
	rec := &suspendRecorder{}
	svc := New(zap.NewNop(), rec)

	svc.handleSignal(&dbus.Signal{Name: prepareForSleep, Body: []interface{}{true}})
	svc.handleSignal(&dbus.Signal{Name: "org.freedesktop.login1.Manager.SessionNew", Body: []interface{}{"c1"}})
	svc.handleSignal(&dbus.Signal{Name: prepareForSleep, Body: []interface{}{"yes"}})
	svc.handleSignal(&dbus.Signal{Name: prepareForSleep})
	svc.handleSignal(&dbus.Signal{Name: prepareForSleep, Body: []interface{}{false}})

	assert.Equal(t, []bool{true, false}, rec.calls)
}
