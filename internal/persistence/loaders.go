package persistence

import (
	"context"
	"strconv"
	"strings"

	"parcel-sorter/internal/types"
)

const (
	ArrivalRouteTable   = "arrival_slot_map"
	DepartureRouteTable = "departure_slot_map"
	RequestConfigTable  = "request_config"
)

// LoadRoutingTable 读取进港/出港路由表 (terminal_code, slot_id)
// 数据库中的条目覆盖 fallback 中的同名条目
func LoadRoutingTable(ctx context.Context, store Store, fallback types.RoutingTable) (types.RoutingTable, error) {
	rt := types.RoutingTable{
		Arrival:   copyRoutes(fallback.Arrival),
		Departure: copyRoutes(fallback.Departure),
	}
	for name, dst := range map[string]map[string]int{
		ArrivalRouteTable:   rt.Arrival,
		DepartureRouteTable: rt.Departure,
	} {
		rows, err := store.ReadTable(ctx, name)
		if err != nil {
			return rt, err
		}
		for _, r := range rows {
			code := strings.TrimSpace(r["terminal_code"])
			slot, err := strconv.Atoi(strings.TrimSpace(r["slot_id"]))
			if code == "" || err != nil {
				continue
			}
			dst[code] = slot
		}
	}
	return rt, nil
}

func copyRoutes(src map[string]int) map[string]int {
	dst := make(map[string]int, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// LoadRequestSettings 读取 request_config 表 (name, value)
func LoadRequestSettings(ctx context.Context, store Store) (map[string]string, error) {
	rows, err := store.ReadTable(ctx, RequestConfigTable)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		if name := strings.TrimSpace(r["name"]); name != "" {
			out[name] = strings.TrimSpace(r["value"])
		}
	}
	return out, nil
}
