// Hand-written mock of dbGateway (facade.go) in the shape MockGen
// produces.

package pgcache

import (
	"context"
	"reflect"
	"time"

	"go.uber.org/mock/gomock"

	"github.com/chaliy/pgcache/internal/model"
)

// MockDbGateway is a mock of the dbGateway interface, in the shape
// mockgen produces for the teacher's `UseCase{RedisRepo: mockRedisRepo,
// ...}` dependency-injected test style.
type MockDbGateway struct {
	ctrl     *gomock.Controller
	recorder *MockDbGatewayMockRecorder
	isgomock struct{}
}

type MockDbGatewayMockRecorder struct {
	mock *MockDbGateway
}

func NewMockDbGateway(ctrl *gomock.Controller) *MockDbGateway {
	m := &MockDbGateway{ctrl: ctrl}
	m.recorder = &MockDbGatewayMockRecorder{m}

	return m
}

func (m *MockDbGateway) EXPECT() *MockDbGatewayMockRecorder {
	return m.recorder
}

func (m *MockDbGateway) Read(ctx context.Context, key []byte) (model.Entry, bool, error) {
	m.ctrl.T.Helper()

	ret := m.ctrl.Call(m, "Read", ctx, key)
	ret0, _ := ret[0].(model.Entry)
	ret1, _ := ret[1].(bool)
	ret2, _ := ret[2].(error)

	return ret0, ret1, ret2
}

func (mr *MockDbGatewayMockRecorder) Read(ctx, key any) *gomock.Call {
	mr.mock.ctrl.T.Helper()

	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Read", reflect.TypeOf((*MockDbGateway)(nil).Read), ctx, key)
}

func (m *MockDbGateway) Upsert(ctx context.Context, key, value []byte, ttl *time.Duration) (int64, error) {
	m.ctrl.T.Helper()

	ret := m.ctrl.Call(m, "Upsert", ctx, key, value, ttl)
	ret0, _ := ret[0].(int64)
	ret1, _ := ret[1].(error)

	return ret0, ret1
}

func (mr *MockDbGatewayMockRecorder) Upsert(ctx, key, value, ttl any) *gomock.Call {
	mr.mock.ctrl.T.Helper()

	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Upsert", reflect.TypeOf((*MockDbGateway)(nil).Upsert), ctx, key, value, ttl)
}

func (m *MockDbGateway) Delete(ctx context.Context, key []byte) (int64, bool, error) {
	m.ctrl.T.Helper()

	ret := m.ctrl.Call(m, "Delete", ctx, key)
	ret0, _ := ret[0].(int64)
	ret1, _ := ret[1].(bool)
	ret2, _ := ret[2].(error)

	return ret0, ret1, ret2
}

func (mr *MockDbGatewayMockRecorder) Delete(ctx, key any) *gomock.Call {
	mr.mock.ctrl.T.Helper()

	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Delete", reflect.TypeOf((*MockDbGateway)(nil).Delete), ctx, key)
}

func (m *MockDbGateway) Ping(ctx context.Context) error {
	m.ctrl.T.Helper()

	ret := m.ctrl.Call(m, "Ping", ctx)
	ret0, _ := ret[0].(error)

	return ret0
}

func (mr *MockDbGatewayMockRecorder) Ping(ctx any) *gomock.Call {
	mr.mock.ctrl.T.Helper()

	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Ping", reflect.TypeOf((*MockDbGateway)(nil).Ping), ctx)
}
