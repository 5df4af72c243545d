package inventory

import (
	"testing"

	"github.com/loopd/loopd/internal/zabbixapi"
)

func TestPrimaryAddress(t *testing.T) {
	h := zabbixapi.Host{Interfaces: []zabbixapi.HostInterface{{IP: "10.0.0.5"}}}
	if got := primaryAddress(h); got != "10.0.0.5" {
		t.Errorf("primaryAddress = %q, want 10.0.0.5", got)
	}

	empty := zabbixapi.Host{}
	if got := primaryAddress(empty); got != "" {
		t.Errorf("primaryAddress for no interfaces = %q, want empty", got)
	}
}
