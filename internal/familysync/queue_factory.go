package familysync

import (
	"fmt"
	"net/url"
	"strings"
)

func BuildDeliveryQueueFromDSN(dsn string, capacity int) (DeliveryQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupDeliveryQueueFactory(scheme); ok {
		return factory(dsn, capacity)
	}
	switch scheme {
	case "", "file":
		path, err := dsnFilePath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return NewFileDeliveryQueue(path, capacity)
	case "memory", "mem", "inmem":
		return NewInMemoryDeliveryQueue(capacity), nil
	case "postgres", "postgresql":
		return NewPostgresDeliveryQueue(dsn, capacity)
	default:
		return nil, fmt.Errorf("unsupported delivery queue scheme: %s", scheme)
	}
}
