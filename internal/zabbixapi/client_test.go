package zabbixapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestLoginAndHostsByGroups(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}

		switch req.Method {
		case "user.login":
			json.NewEncoder(w).Encode(rpcResponse{Result: json.RawMessage(`"sessiontoken"`)})
		case "host.get":
			if req.Auth != "sessiontoken" {
				t.Errorf("expected auth token on host.get, got %q", req.Auth)
			}
			json.NewEncoder(w).Encode(rpcResponse{Result: json.RawMessage(`[
				{"hostid":"1","host":"switch1","name":"Switch 1",
				 "macros":[{"macro":"{$SNMP_COMMUNITY}","value":"public"}],
				 "interfaces":[{"ip":"10.0.0.1","port":"161"}]}
			]`)})
		case "user.logout":
			json.NewEncoder(w).Encode(rpcResponse{Result: json.RawMessage(`true`)})
		default:
			t.Fatalf("unexpected method %q", req.Method)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "loopd", "secret", 2*time.Second)
	hosts, err := c.HostsByGroups(context.Background(), []string{"switches"})
	if err != nil {
		t.Fatalf("HostsByGroups: %v", err)
	}
	if len(hosts) != 1 {
		t.Fatalf("len(hosts) = %d, want 1", len(hosts))
	}
	if hosts[0].Host != "switch1" {
		t.Errorf("Host = %q, want switch1", hosts[0].Host)
	}
	if hosts[0].Macros["{$SNMP_COMMUNITY}"] != "public" {
		t.Errorf("expected community macro flattened, got %v", hosts[0].Macros)
	}

	if err := c.Logout(context.Background()); err != nil {
		t.Errorf("Logout: %v", err)
	}
}

func TestCallPropagatesRPCError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(rpcResponse{Error: &rpcError{Code: -32602, Message: "Invalid params"}})
	}))
	defer srv.Close()

	c := New(srv.URL, "loopd", "secret", 2*time.Second)
	if err := c.Login(context.Background()); err == nil {
		t.Fatal("expected error from RPC error response")
	}
}
