package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"OpenMCP-Fleet/sdk/go/fleet"
)

// main 打印舰队概况：FLEET_API_URL 指定地址，FLEET_TOKEN 为可选的运维令牌。
func main() {
	baseURL := os.Getenv("FLEET_API_URL")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	client, err := fleet.NewClient(baseURL, nil)
	if err != nil {
		log.Fatal(err)
	}
	client.SetAccessToken(os.Getenv("FLEET_TOKEN"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	agents, err := client.Agents(ctx)
	if err != nil {
		log.Fatalf("list agents: %v", err)
	}
	for _, a := range agents {
		fmt.Printf("%-10s %-8s %-10s cycles=%d\n", a.ID, a.Role, a.State, a.Cycles)
	}

	portfolio, err := client.Portfolio(ctx)
	if err != nil {
		log.Fatalf("portfolio: %v", err)
	}
	fmt.Printf("vault=%g total=%g\n", portfolio.Vault.Native, portfolio.Total)

	mission, err := client.MissionStatus(ctx)
	if err != nil {
		log.Fatalf("mission: %v", err)
	}
	fmt.Printf("mission %q %.1f%%\n", mission.Text, mission.ProgressPct)
}
