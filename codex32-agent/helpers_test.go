package main

import agent "github.com/hakunaTgl/codex32-agent/codex32-agent/lib"

// testBot returns a minimal BotRecord with a blueprint that does not
// exist on disk, suitable for exercising failure paths without needing a
// real interpreter or script file.
func testBot(id string) agent.BotRecord {
	return agent.BotRecord{
		ID:        id,
		Name:      id,
		Blueprint: "does_not_exist.py",
		Status:    agent.StatusRunning,
		DeploymentConfig: agent.DeploymentConfig{
			DeploymentType: agent.DeployLocalProcess,
		},
	}
}
