package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestResolveHosts(t *testing.T) {
	tests := map[string]struct {
		ipIDs    []int64
		groupIDs []int64
		mock     func(m *mockStore)
		expHosts []string
		expErr   bool
	}{
		"No targets should fall back to the local host.": {
			mock:     func(m *mockStore) {},
			expHosts: []string{LocalHost},
		},
		"Individual IPs should come first and duplicates should be dropped.": {
			ipIDs:    []int64{1, 2},
			groupIDs: []int64{10},
			mock: func(m *mockStore) {
				m.On("GetIPAddress", mock.Anything, int64(1)).Once().Return("10.0.0.1", nil)
				m.On("GetIPAddress", mock.Anything, int64(2)).Once().Return("10.0.0.2", nil)
				m.On("GetHostGroupAddresses", mock.Anything, int64(10)).Once().
					Return([]string{"10.0.0.3", "10.0.0.1", "10.0.0.2", "10.0.0.4"}, nil)
			},
			expHosts: []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4"},
		},
		"Empty groups should still fall back to the local host.": {
			groupIDs: []int64{10, 11},
			mock: func(m *mockStore) {
				m.On("GetHostGroupAddresses", mock.Anything, int64(10)).Once().Return([]string{}, nil)
				m.On("GetHostGroupAddresses", mock.Anything, int64(11)).Once().Return([]string{" "}, nil)
			},
			expHosts: []string{LocalHost},
		},
		"A failing lookup should fail the resolution.": {
			ipIDs: []int64{1},
			mock: func(m *mockStore) {
				m.On("GetIPAddress", mock.Anything, int64(1)).Once().Return("", errors.New("boom"))
			},
			expErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			m := &mockStore{}
			test.mock(m)

			hosts, err := ResolveHosts(context.Background(), m, test.ipIDs, test.groupIDs)
			if test.expErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.expHosts, hosts)
			m.AssertExpectations(t)
		})
	}
}
