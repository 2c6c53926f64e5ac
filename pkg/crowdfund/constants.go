package crowdfund

const (
	operationConnect      = "connect"
	operationRefresh      = "refresh"
	operationFund         = "fund"
	operationEndFunding   = "end_funding"
	operationWithdrawSome = "withdraw_some"
	operationWithdrawAll  = "withdraw_all"
	operationCheckAddress = "check_address"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	// TokenDecimals is the fixed exponent between base units and display units.
	TokenDecimals = 18
	// TokenSymbol is the display unit name.
	TokenSymbol = "ETH"

	// ProgressNearGoalThreshold is the percent at which progress is shown as close to the goal.
	ProgressNearGoalThreshold = 80.0
	// ProgressGoalThreshold is the percent at which the goal counts as reached.
	ProgressGoalThreshold = 100.0

	ValidationReasonInvalidAmount   = "invalid amount"
	ValidationReasonFundingInactive = "funding inactive"
	ValidationReasonInvalidAddress  = "invalid address"
	ValidationReasonNotConnected    = "wallet not connected"

	messageConnected          = "Wallet connected successfully!"
	messageConnectFailed      = "Failed to connect wallet."
	messageTransactionPending = "Transaction pending..."
	messageInvalidFundAmount  = "Enter valid amount > 0"
	messageFundingInactive    = "Funding is not active"
	messageInvalidWithdrawal  = "Enter valid withdrawal amount"
	messageNotConnected       = "Connect a wallet first"
	messageInvalidAddress     = "Invalid address"
	messageCheckAddressFailed = "Failed to check address"
	messageOperationBusy      = "Another operation is in progress"
	messageActionCancelled    = "Action cancelled"
	messageFundFailed         = "Funding failed"
	messageEndFailed          = "Failed to end funding"
	messageWithdrawFailed     = "Withdrawal failed"
	messageWithdrawAllFailed  = "Withdraw all failed"
	messageFundingEnded       = "Funding ended successfully"
	messageWithdrewAll        = "Withdrew all funds"
	messageDisconnected       = "Wallet disconnected"
	messageChainChanged       = "Network changed, reloading contract state"
	messageRefreshed          = "Contract state refreshed"
	messageRefreshFailed      = "Failed to load contract state"

	promptEndFunding  = "End funding? This is irreversible."
	promptWithdrawAll = "Withdraw ALL funds?"

	timeRemainingEnded = "Ended"
)
