package feed

import logx "dexwatch/pkg/logx"

func nilLogger() logx.Logger { return logx.Nop() }
