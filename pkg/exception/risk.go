package exception

import "github.com/yanun0323/errors"

// Risk errors
var (
	ErrRiskInvalidLimits   = errors.New("risk: invalid limits")
	ErrRiskNilLedger       = errors.New("risk: nil position ledger")
	ErrRiskNilHealth       = errors.New("risk: nil health view")
	ErrRiskNilAccount      = errors.New("risk: nil account provider")
	ErrRiskNoEquity        = errors.New("risk: no account equity available")
	ErrAccountUnavailable  = errors.New("account: provider unavailable")
	ErrAccountNoStoredData = errors.New("account: no stored equity")
)
