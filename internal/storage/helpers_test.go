package storage

import logx "dexwatch/pkg/logx"

func nilLogger() logx.Logger { return logx.Nop() }
