package lending

import (
	"errors"

	nativecommon "credx/native/common"
)

var errNilState = errors.New("lending engine: state not configured")

func validation(code, message string) *nativecommon.Error {
	return nativecommon.NewError(nativecommon.KindValidation, code, message)
}

func arithmetic(code, message string) *nativecommon.Error {
	return nativecommon.NewError(nativecommon.KindArithmetic, code, message)
}

func solvency(code, message string) *nativecommon.Error {
	return nativecommon.NewError(nativecommon.KindSolvency, code, message)
}

// Validation failures.
var (
	ErrInvalidLTVRatio            = validation("InvalidLtvRatio", "ltv ratio must be within (0, 9000] basis points")
	ErrProtocolAlreadyInitialized = validation("ProtocolAlreadyInitialized", "protocol already initialised")
	ErrProtocolNotInitialized     = validation("ProtocolNotInitialized", "protocol not initialised")
	ErrUnauthorizedAdmin          = validation("UnauthorizedAdmin", "signer is not the protocol admin")
	ErrInvalidUser                = validation("InvalidUser", "user identity must be set")
	ErrUnauthorizedUser           = validation("UnauthorizedUser", "signer does not own the loan")
	ErrUnsupportedCollateralMint  = validation("UnsupportedCollateralMint", "collateral asset is not whitelisted")
	ErrInvalidCollateralMint      = validation("InvalidCollateralMint", "collateral asset is not valid collateral")
	ErrMintMismatch               = validation("MintMismatch", "asset does not match the vault collateral")
	ErrInvalidOracleAccount       = validation("InvalidOracleAccount", "oracle reference must be set")
	ErrLoanAlreadyInitialized     = validation("LoanAlreadyInitialized", "loan already initialised")
	ErrLoanNotFound               = validation("LoanNotFound", "loan not initialised")
	ErrLoanClosed                 = validation("LoanClosed", "loan is closed")
	ErrInvalidRecordHandle        = validation("InvalidRecordHandle", "record handle does not match the derived key")
	ErrInvalidAmount              = validation("InvalidAmount", "amount must be positive")
	ErrInvalidCollateralAmount    = validation("InvalidCollateralAmount", "collateral amount must be positive")
	ErrInvalidAssetSymbol         = validation("InvalidAssetSymbol", "asset symbol must not be empty")
	ErrAssetAlreadyExists         = validation("AssetAlreadyExists", "asset already exists")
	ErrNoCollateralDeposited      = validation("NoCollateralDeposited", "no collateral deposited")
	ErrNoOutstandingDebt          = validation("NoOutstandingDebt", "no outstanding debt")
	ErrNoActiveLoan               = validation("NoActiveLoan", "no active loan to settle")
	ErrDelegationUnavailable      = validation("DelegationUnavailable", "spend delegation missing, revoked or expired")
	ErrDelegationCeilingExceeded  = validation("DelegationCeilingExceeded", "repayment exceeds the spend delegation ceiling")
)

// Arithmetic failures beyond the shared overflow/underflow sentinels.
var (
	ErrNegativeYield      = arithmetic("NegativeYield", "vault balance below recorded collateral")
	ErrZeroRepaymentValue = arithmetic("ZeroRepaymentValue", "yield has no repayment value")
)

// Solvency failures.
var (
	ErrInsufficientBalance         = solvency("InsufficientBalance", "insufficient collateral balance")
	ErrZeroBorrowAmount            = solvency("ZeroBorrowAmount", "collateral value supports no credit")
	ErrMaxBorrowLimitReached       = solvency("MaxBorrowLimitReached", "maximum borrow limit reached")
	ErrNoTokensToBurn              = solvency("NoTokensToBurn", "no credit tokens to burn")
	ErrInsufficientCreditTokens    = solvency("InsufficientCreditTokens", "insufficient credit tokens")
	ErrInsufficientCollateralValue = solvency("InsufficientCollateralValue", "collateral value below outstanding debt")
)
