package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
)

func newTestAPI(t *testing.T) *api {
	t.Helper()
	dir := t.TempDir()
	log := testLogger()
	store := newJSONStore(log)
	reg := newRegistry(filepath.Join(dir, "registry.json"), store, log)
	engine := newContainerEngine(filepath.Join(dir, "containers"), log, nil)
	cfg := &Settings{BotsDirectory: dir}
	exec := newExecutor(reg, engine, cfg, log)
	incidents := newIncidentLog(filepath.Join(dir, "incidents.ndjson"), log)
	sup := newSupervisor(60, 5, reg, engine, exec, incidents, nil, log)
	return newAPI(reg, exec, sup, incidents, cfg, log)
}

func TestRegisterGetDeleteBot(t *testing.T) {
	a := newTestAPI(t)
	server := httptest.NewServer(a)
	defer server.Close()

	body, _ := json.Marshal(map[string]any{
		"id":   "bot-1",
		"name": "My Bot",
	})

	resp, err := http.Post(server.URL+"/bots", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err = http.Get(server.URL + "/bots/bot-1")
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got["id"] != "bot-1" {
		t.Fatalf("expected id bot-1, got %v", got["id"])
	}

	req, _ := http.NewRequest(http.MethodDelete, server.URL+"/bots/bot-1", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on delete, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err = http.Get(server.URL + "/bots/bot-1")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestStartBotWithMissingBlueprintReturns400(t *testing.T) {
	a := newTestAPI(t)
	server := httptest.NewServer(a)
	defer server.Close()

	body, _ := json.Marshal(map[string]any{
		"id":        "bot-2",
		"name":      "Broken Bot",
		"blueprint": "does_not_exist.py",
	})
	resp, err := http.Post(server.URL+"/bots", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	resp, err = http.Post(server.URL+"/bots/bot-2/start", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}

	getResp, err := http.Get(server.URL + "/bots/bot-2")
	if err != nil {
		t.Fatal(err)
	}
	defer getResp.Body.Close()
	var got map[string]any
	if err := json.NewDecoder(getResp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got["status"] != "failed" {
		t.Fatalf("expected status failed, got %v", got["status"])
	}
}
