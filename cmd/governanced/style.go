package main

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/pterm/pterm"

	"governance_engine/pkg/config"
	"governance_engine/pkg/governance"
	"governance_engine/pkg/security"
)

func printBanner(cfg *config.Config) {
	box := pterm.DefaultBox.WithLeftPadding(4).WithRightPadding(4).WithTopPadding(1).WithBottomPadding(1)
	body := pterm.Sprintfln("environment: %s", cfg.Environment) +
		pterm.Sprintfln("database:    %s", cfg.Database.Driver) +
		pterm.Sprintfln("p2p:         %t", cfg.P2P.Enabled) +
		pterm.Sprintf("metrics:     %t", cfg.Metrics.Enabled)
	box.WithTitle(pterm.LightGreen("|" + programName + "|")).WithTitleTopCenter().Println(body)
	pterm.Info.Println("Press Ctrl+C to stop")
}

// printStatistics renders engine statistics as a two-column table
func printStatistics(stats governance.VotingStatistics) error {
	score := pterm.LightGreen(strconv.FormatFloat(stats.SecurityScore, 'f', 3, 64))
	if stats.OpenThreats > 0 {
		score = pterm.LightYellow(strconv.FormatFloat(stats.SecurityScore, 'f', 3, 64))
	}

	table := pterm.TableData{
		{"Metric", "Value"},
		{"Identities", strconv.Itoa(stats.TotalIdentities)},
		{"Active proposals", strconv.Itoa(stats.ActiveProposals)},
		{"Eligible voting power", strconv.FormatFloat(stats.TotalVotingPower, 'f', 3, 64)},
		{"Average participation", fmt.Sprintf("%.1f%%", stats.AverageParticipation*100)},
		{"Consensus rounds", strconv.Itoa(stats.ConsensusRounds)},
		{"Open threats", strconv.Itoa(stats.OpenThreats)},
		{"Security score", score},
	}
	return pterm.DefaultTable.WithHasHeader().WithBoxed().WithData(table).Render()
}

func printKeyPair(kp *security.KeyPair) {
	pterm.Success.Printfln("Generated %s key pair", kp.Scheme)
	pterm.Println(pterm.Bold.Sprint("public:  ") + kp.ExportPublicKey())
	pterm.Println(pterm.Bold.Sprint("private: ") + hex.EncodeToString(kp.PrivateKey))
	pterm.Warning.Println("Store the private key offline; it cannot be recovered")
}

func printError(err error) {
	pterm.Error.Println(err.Error())
}
