package edgehost

import (
	"testing"
)

func TestParseConfig(t *testing.T) {
	yaml := `
services:
  - name: web
    worker:
      compatibilityDate: "2024-01-01"
      compatibilityFlags: [nodejs_compat]
      serviceWorkerScript: "addEventListener('fetch', e => {})"
      globalOutbound: internet
      bindings:
        - name: GREETING
          text: hello
        - name: API
          service: { name: api, entrypoint: admin }
  - name: files
    disk:
      path: /srv/files
      writable: true
      allowDotfiles: false
  - name: origin
    external:
      address: origin.internal:8080
      http:
        style: host
        forwardedProtoHeader: X-Forwarded-Proto
        injectRequestHeaders:
          - name: X-Real-IP
          - name: X-Edge
            value: "1"
  - name: egress
    network:
      allow: [public]
      deny: [10.0.0.0/8]
sockets:
  - name: http
    address: "*:8080"
    service: web
    http:
      style: host
      cfBlobHeader: CF-Blob
`
	cfg, err := ParseConfig([]byte(yaml))
	if err != nil {
		t.Fatal(err)
	}

	if len(cfg.Services) != 4 {
		t.Fatalf("services = %d", len(cfg.Services))
	}

	worker := cfg.Services[0]
	if worker.Worker == nil || worker.Worker.CompatibilityDate != "2024-01-01" {
		t.Error("worker config not parsed")
	}
	if worker.Worker.GlobalOutbound == nil || worker.Worker.GlobalOutbound.Name != "internet" {
		t.Error("bare-string designator should parse")
	}
	if len(worker.Worker.Bindings) != 2 {
		t.Fatalf("bindings = %d", len(worker.Worker.Bindings))
	}
	svcBinding := worker.Worker.Bindings[1]
	if svcBinding.Service == nil || svcBinding.Service.Name != "api" || svcBinding.Service.Entrypoint != "admin" {
		t.Errorf("mapping designator = %+v", svcBinding.Service)
	}

	disk := cfg.Services[1]
	if disk.Disk == nil || !disk.Disk.Writable || disk.Disk.AllowDotfiles {
		t.Errorf("disk config = %+v", disk.Disk)
	}

	ext := cfg.Services[2]
	if ext.External == nil || ext.External.HTTP == nil {
		t.Fatal("external config not parsed")
	}
	if ext.External.HTTP.Style != StyleHost {
		t.Error("style host should parse")
	}
	inj := ext.External.HTTP.InjectRequestHeaders
	if len(inj) != 2 {
		t.Fatalf("injectRequestHeaders = %d", len(inj))
	}
	if inj[0].Value != nil {
		t.Error("header with no value should have nil Value (unset)")
	}
	if inj[1].Value == nil || *inj[1].Value != "1" {
		t.Error("header with value should carry it")
	}

	network := cfg.Services[3]
	if network.Network == nil || len(network.Network.Allow) != 1 || network.Network.Allow[0] != "public" {
		t.Errorf("network config = %+v", network.Network)
	}

	if len(cfg.Sockets) != 1 {
		t.Fatalf("sockets = %d", len(cfg.Sockets))
	}
	sock := cfg.Sockets[0]
	if sock.Service.Name != "web" || sock.HTTP == nil || sock.HTTP.CfBlobHeader != "CF-Blob" {
		t.Errorf("socket = %+v", sock)
	}
}

func TestParseConfigUnknownStyle(t *testing.T) {
	_, err := ParseConfig([]byte(`
sockets:
  - name: s
    service: x
    http: { style: diagonal }
`))
	if err == nil {
		t.Error("unknown style should fail parsing")
	}
}

func TestParseConfigDefaultStyle(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
sockets:
  - name: s
    service: x
    http: {}
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Sockets[0].HTTP.Style != StyleHost {
		t.Error("default style should be HOST")
	}
}
