package line

import (
	"fmt"
	"strings"

	"parcel-sorter/internal/types"

	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"
)

// 路由原因，写入日志和事件
const (
	ReasonRouted    = "routed"
	ReasonIntercept = "intercept"
	ReasonException = "exception"
	ReasonUnknown   = "unknown_terminal"
)

// Router 根据三段码结果选择格口
type Router struct {
	table types.RoutingTable
	rule  *vm.Program
}

// ruleEnv 异常规则可以引用的变量
func ruleEnv(mode types.OperateMode, r types.SlotResult) map[string]interface{} {
	return map[string]interface{}{
		"orderType":    r.OrderType,
		"intercept":    r.Intercept,
		"terminalCode": r.TerminalCode(mode),
		"mode":         mode.String(),
	}
}

// NewRouter 编译异常规则，规则为空时只按路由表匹配
func NewRouter(table types.RoutingTable, rule string) (*Router, error) {
	r := &Router{table: table}
	if strings.TrimSpace(rule) == "" {
		return r, nil
	}
	program, err := expr.Compile(rule, expr.Env(ruleEnv(types.ModeArrival, types.SlotResult{})), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("异常规则编译失败: %w", err)
	}
	r.rule = program
	return r, nil
}

// Table 当前路由表
func (r *Router) Table() types.RoutingTable { return r.table }

// Route 返回格口和路由原因
// 拦截件优先，其次异常规则，最后按终端码查表；查不到的进异常格
func (r *Router) Route(mode types.OperateMode, res types.SlotResult) (int, string) {
	routes := r.table.ForMode(mode)

	if res.Intercept {
		return lookup(routes, types.InterceptKey), ReasonIntercept
	}
	if r.exception(mode, res) {
		return lookup(routes, types.ExceptionKey), ReasonException
	}
	if slot, ok := find(routes, res.TerminalCode(mode)); ok {
		return slot, ReasonRouted
	}
	return lookup(routes, types.ExceptionKey), ReasonUnknown
}

func (r *Router) exception(mode types.OperateMode, res types.SlotResult) bool {
	if r.rule == nil {
		return false
	}
	out, err := expr.Run(r.rule, ruleEnv(mode, res))
	if err != nil {
		return true
	}
	b, ok := out.(bool)
	return !ok || b
}

func lookup(routes map[string]int, key string) int {
	if slot, ok := find(routes, key); ok {
		return slot
	}
	return types.UnknownSlot
}

// find 先精确匹配，再按小写匹配 (配置文件中的键会被转成小写)
func find(routes map[string]int, key string) (int, bool) {
	if key == "" {
		return 0, false
	}
	if slot, ok := routes[key]; ok {
		return slot, true
	}
	slot, ok := routes[strings.ToLower(key)]
	return slot, ok
}
