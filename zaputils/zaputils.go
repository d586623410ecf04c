package zaputils

import (
	"fmt"

	"go.uber.org/zap"
)

func CqName(key string, val string) zap.Field {
	return zap.String(key, val)
}

func RegionName(key string, val string) zap.Field {
	return zap.String(key, val)
}

func PoolName(key string, val string) zap.Field {
	return zap.String(key, val)
}

func EntryKey(key string, val string) zap.Field {
	return zap.String(key, val)
}

type LoggableFqCqName struct {
	RegionName string
	CqName     string
}

func (e LoggableFqCqName) String() string {
	return fmt.Sprintf("%s/%s", e.RegionName, e.CqName)
}

func FQCqName(key string, region, cqName string) zap.Field {
	return zap.Stringer(key, LoggableFqCqName{
		RegionName: region,
		CqName:     cqName,
	})
}
