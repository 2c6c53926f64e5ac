package ethproxy

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// ContractAddress is the deployed crowdfunding contract.
var ContractAddress = common.HexToAddress("0x5D6A7dd379D2b0015CCEE863AB9FeCf8911713C1")

const (
	methodGoalAmount   = "goalAmount"
	methodTotalFunded  = "checkAllFunds"
	methodEndTime      = "endTime"
	methodIsStarted    = "isStarted"
	methodBalanceOf    = "checkYourFunds"
	methodOwner        = "owner"
	methodFund         = "setFund"
	methodEndFunding   = "endFunding"
	methodWithdrawSome = "withdrawalSomeFunds"
	methodWithdrawAll  = "withdrawlAll"
)

const contractABIJSON = `[
	{"inputs":[],"name":"endFunding","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[],"name":"setFund","outputs":[],"stateMutability":"payable","type":"function"},
	{"inputs":[{"internalType":"uint256","name":"_endTime","type":"uint256"},{"internalType":"uint256","name":"_goalAmount","type":"uint256"}],"stateMutability":"nonpayable","type":"constructor"},
	{"inputs":[{"internalType":"uint256","name":"amount","type":"uint256"}],"name":"withdrawalSomeFunds","outputs":[{"internalType":"bool","name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[],"name":"withdrawlAll","outputs":[{"internalType":"bool","name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[],"name":"checkAllFunds","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"internalType":"address","name":"myAddress","type":"address"}],"name":"checkYourFunds","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"endTime","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"goalAmount","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"isStarted","outputs":[{"internalType":"bool","name":"","type":"bool"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"owner","outputs":[{"internalType":"address","name":"","type":"address"}],"stateMutability":"view","type":"function"}
]`

// ContractABI is the parsed interface of the crowdfunding contract.
var ContractABI = mustParseABI(contractABIJSON)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
