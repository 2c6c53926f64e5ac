package main

import (
	"bufio"
	"fmt"
	"io"
	"math/big"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/MarkoPoloResearchLab/crowdfund/internal/journal"
	"github.com/MarkoPoloResearchLab/crowdfund/pkg/crowdfund"
	"github.com/charmbracelet/lipgloss"
)

const progressBarWidth = 30

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failureStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	bandStyles   = map[crowdfund.ProgressBand]lipgloss.Style{
		crowdfund.BandHealthy:     lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		crowdfund.BandNearGoal:    lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		crowdfund.BandGoalReached: lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
)

func renderStatus(snapshot crowdfund.ContractSnapshot, loaded bool, session crowdfund.Session, now time.Time) string {
	var builder strings.Builder
	builder.WriteString(headerStyle.Render("Crowdfunding campaign"))
	builder.WriteString("\n")
	if !loaded {
		builder.WriteString(labelStyle.Render("contract state not loaded"))
		return builder.String()
	}
	derived := crowdfund.Derive(snapshot, now)
	state := "active"
	if !snapshot.IsStarted {
		state = "stopped"
	}
	writeRow(&builder, "Raised", fmt.Sprintf("%s / %s %s", derived.TotalFunded, derived.GoalAmount, crowdfund.TokenSymbol))
	writeRow(&builder, "Progress", bandStyles[derived.ProgressBand].Render(progressBar(derived.BarPercent)+" "+crowdfund.FormatProgress(derived.ProgressPercent)))
	writeRow(&builder, "Time left", derived.TimeRemaining)
	writeRow(&builder, "Funding", state)
	writeRow(&builder, "Owner", crowdfund.ShortenAddress(snapshot.OwnerAddress))
	if session.Account != nil {
		role := "funder"
		if session.IsOwner {
			role = "owner"
		}
		writeRow(&builder, "Account", fmt.Sprintf("%s (%s)", crowdfund.ShortenAddress(*session.Account), role))
	}
	if session.BalanceAddress != nil {
		writeRow(&builder, "Contribution", fmt.Sprintf("%s %s", crowdfund.ToDecimalString(session.CallerBalance), crowdfund.TokenSymbol))
	}
	return strings.TrimRight(builder.String(), "\n")
}

func writeRow(builder *strings.Builder, label string, value string) {
	builder.WriteString(labelStyle.Render(fmt.Sprintf("%-13s", label)))
	builder.WriteString(value)
	builder.WriteString("\n")
}

func progressBar(percent float64) string {
	filled := int(percent / crowdfund.ProgressGoalThreshold * progressBarWidth)
	if filled > progressBarWidth {
		filled = progressBarWidth
	}
	if filled < 0 {
		filled = 0
	}
	return "[" + strings.Repeat("#", filled) + strings.Repeat(".", progressBarWidth-filled) + "]"
}

func renderOutcome(outcome crowdfund.Outcome) string {
	line := outcome.Message
	if outcome.TxHash != nil {
		line += labelStyle.Render(" tx " + outcome.TxHash.Hex())
	}
	if outcome.Succeeded() {
		return successStyle.Render(line)
	}
	return failureStyle.Render(line)
}

func renderHistory(entries []journal.Entry) string {
	if len(entries) == 0 {
		return labelStyle.Render("no operations recorded") + "\n"
	}
	var builder strings.Builder
	writer := tabwriter.NewWriter(&builder, 0, 0, 2, ' ', 0)
	fmt.Fprintln(writer, "TIME\tOPERATION\tSTATUS\tAMOUNT\tMESSAGE")
	for _, entry := range entries {
		amount := ""
		if raw, ok := new(big.Int).SetString(entry.AmountWei, 10); ok && raw.Sign() > 0 {
			if units, err := crowdfund.NewBaseUnits(raw); err == nil {
				amount = crowdfund.ToDecimalString(units)
			}
		}
		message := entry.Message
		if entry.Reason != "" {
			message = fmt.Sprintf("%s (%s)", message, entry.Reason)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\n",
			entry.CreatedAt.Local().Format(time.DateTime), entry.Operation, entry.Status, amount, message)
	}
	_ = writer.Flush()
	return builder.String()
}

// promptConfirmation asks prompt on out and accepts y or yes from in.
func promptConfirmation(in io.Reader, out io.Writer, prompt string) bool {
	fmt.Fprintf(out, "%s [y/N]: ", prompt)
	answer, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && answer == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	}
	return false
}
