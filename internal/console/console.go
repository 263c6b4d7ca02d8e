// Package console 提供基于工具目录的交互式调试控制台。
//
// 控制台不自带任何调试语义: 每个命令由目录中的工具自动生成，
// 参数以key=value形式给出，按该工具的schema转换类型后走同一条
// dispatch路径，行为与MCP传输完全一致。
package console

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hitzhangjie/mcpdbg/internal/dbgerr"
	"github.com/hitzhangjie/mcpdbg/internal/tools"
)

const (
	cmdGroupAnnotation = "cmd_group_annotation"
	cmdGroupDelimiter  = "-"
	cmdGroupOthers     = "7-other"
	cmdGroupCobra      = "other"

	prompt    = "mcpdbg> "
	descShort = "mcpdbg interactive debugging commands"
)

// 分组展示顺序
var groupOrder = map[string]string{
	tools.GroupProcess:    "1-process",
	tools.GroupExecution:  "2-execution",
	tools.GroupBreakpoint: "3-breakpoint",
	tools.GroupInspect:    "4-inspect",
	tools.GroupAnalysis:   "5-analysis",
	tools.GroupSession:    "6-session",
}

// Console 交互式会话管理器
type Console struct {
	done     chan bool
	prefix   string
	root     *cobra.Command
	liner    *liner.State
	last     string
	registry *tools.Registry
	log      *zap.Logger

	defers []func()
}

// New 创建控制台，目录里的每个工具生成一个同名命令
func New(registry *tools.Registry, log *zap.Logger) *Console {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Console{
		done:     make(chan bool),
		prefix:   prompt,
		registry: registry,
		log:      log,
	}
	c.root = c.buildCommands()
	return c
}

func (c *Console) buildCommands() *cobra.Command {
	root := &cobra.Command{
		Use:   "help [command]",
		Short: descShort,
	}
	root.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		fmt.Println(cmd.Short)
		fmt.Println()
		fmt.Println(cmd.Use)
		fmt.Println(cmd.Flags().FlagUsages())
		fmt.Println(helpMessageByGroups(cmd))
	})

	for _, t := range c.registry.Tools() {
		tool := t
		group, ok := groupOrder[tool.Group]
		if !ok {
			group = cmdGroupOthers
		}
		root.AddCommand(&cobra.Command{
			Use:         usageLine(tool),
			Short:       tool.Description,
			Annotations: map[string]string{cmdGroupAnnotation: group},
			RunE: func(cmd *cobra.Command, args []string) error {
				raw, err := parseArgs(tool.Schema, args)
				if err != nil {
					fmt.Println(renderError(err))
					return nil
				}
				res, err := c.registry.Call(cmd.Context(), tool.Name, raw)
				if err != nil {
					fmt.Println(renderError(err))
					return nil
				}
				fmt.Println(renderResult(res))
				return nil
			},
		})
	}

	root.AddCommand(&cobra.Command{
		Use:         "exit",
		Short:       "leave the console",
		Aliases:     []string{"quit", "q"},
		Annotations: map[string]string{cmdGroupAnnotation: cmdGroupOthers},
		Run: func(cmd *cobra.Command, args []string) {
			c.Stop()
		},
	})
	return root
}

// Start 运行读取-执行循环直到exit或Stop
func (c *Console) Start() {
	c.liner = liner.NewLiner()
	c.liner.SetCompleter(c.completer)
	c.liner.SetTabCompletionStyle(liner.TabPrints)

	defer func() {
		for idx := len(c.defers) - 1; idx >= 0; idx-- {
			c.defers[idx]()
		}
	}()

	for {
		select {
		case <-c.done:
			c.liner.Close()
			return
		default:
		}

		txt, err := c.liner.Prompt(c.prefix)
		if err != nil {
			c.liner.Close()
			return
		}

		txt = strings.TrimSpace(txt)
		if len(txt) != 0 {
			c.last = txt
			c.liner.AppendHistory(txt)
		} else {
			txt = c.last
		}
		if txt == "" {
			continue
		}

		c.root.SetArgs(strings.Fields(txt))
		if err := c.root.Execute(); err != nil {
			fmt.Println(err)
		}
	}
}

// AtExit 注册控制台退出时执行的清理函数
func (c *Console) AtExit(fn func()) *Console {
	c.defers = append(c.defers, fn)
	return c
}

// Stop 结束读取循环
func (c *Console) Stop() {
	close(c.done)
}

func (c *Console) completer(line string) []string {
	cmds := []string{}
	for _, cmd := range c.root.Commands() {
		if strings.HasPrefix(cmd.Use, line) {
			cmds = append(cmds, strings.Split(cmd.Use, " ")[0])
		}
		for _, alias := range cmd.Aliases {
			if strings.HasPrefix(alias, line) {
				cmds = append(cmds, alias)
			}
		}
	}
	return cmds
}

// usageLine 形如"set_breakpoint location=<string> [condition=<string>]"
func usageLine(t tools.Tool) string {
	keys := make([]string, 0, len(t.Schema))
	for key := range t.Schema {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		pi, pj := t.Schema[keys[i]], t.Schema[keys[j]]
		if pi.Required != pj.Required {
			return pi.Required
		}
		return keys[i] < keys[j]
	})

	buf := bytes.Buffer{}
	buf.WriteString(t.Name)
	for _, key := range keys {
		p := t.Schema[key]
		if p.Required {
			buf.WriteString(fmt.Sprintf(" %s=<%s>", key, p.Type))
		} else {
			buf.WriteString(fmt.Sprintf(" [%s=<%s>]", key, p.Type))
		}
	}
	return buf.String()
}

// parseArgs 把key=value参数按schema声明的类型转换，
// 转换后的map仍会走schema校验，这里只做文本到类型的翻译
func parseArgs(schema tools.Schema, args []string) (map[string]interface{}, error) {
	raw := map[string]interface{}{}
	for _, arg := range args {
		key, val, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, dbgerr.BadArguments("argument %q is not key=value", arg)
		}
		p, ok := schema[key]
		if !ok {
			return nil, dbgerr.BadArguments("unknown parameter %q", key)
		}
		switch p.Type {
		case tools.TypeInt:
			n, err := strconv.Atoi(val)
			if err != nil {
				return nil, dbgerr.BadArguments("parameter %q must be an integer", key)
			}
			raw[key] = n
		case tools.TypeBool:
			b, err := strconv.ParseBool(val)
			if err != nil {
				return nil, dbgerr.BadArguments("parameter %q must be true or false", key)
			}
			raw[key] = b
		case tools.TypeStrings:
			items := []interface{}{}
			for _, item := range strings.Split(val, ",") {
				items = append(items, item)
			}
			raw[key] = items
		default:
			raw[key] = val
		}
	}
	return raw, nil
}

func renderResult(res tools.Result) string {
	if res.IsText() {
		return res.Text
	}
	data, err := json.MarshalIndent(res.JSON, "", "  ")
	if err != nil {
		return fmt.Sprintf("marshal result: %v", err)
	}
	return string(data)
}

func renderError(err error) string {
	return fmt.Sprintf("error[%s]: %v", dbgerr.CodeOf(err), err)
}

// helpMessageByGroups 将各个命令按照分组归类，再展示帮助信息
func helpMessageByGroups(cmd *cobra.Command) string {
	// key:group, val:sorted commands in same group
	groups := map[string][]string{}
	for _, c := range cmd.Commands() {
		// 如果没有指定命令分组，放入other组
		groupName, ok := c.Annotations[cmdGroupAnnotation]
		if !ok {
			groupName = cmdGroupCobra
		}
		groupCmds := groups[groupName]
		groupCmds = append(groupCmds, fmt.Sprintf("  %-24s:%s", c.Name(), c.Short))
		sort.Strings(groupCmds)
		groups[groupName] = groupCmds
	}

	if len(groups[cmdGroupCobra]) != 0 {
		groups[cmdGroupOthers] = append(groups[cmdGroupOthers], groups[cmdGroupCobra]...)
	}
	delete(groups, cmdGroupCobra)

	groupNames := []string{}
	for k := range groups {
		groupNames = append(groupNames, k)
	}
	sort.Strings(groupNames)

	buf := bytes.Buffer{}
	for _, groupName := range groupNames {
		commands := groups[groupName]

		group := strings.Split(groupName, cmdGroupDelimiter)[1]
		buf.WriteString(fmt.Sprintf("- [%s]\n", group))

		for _, cmd := range commands {
			buf.WriteString(fmt.Sprintf("%s\n", cmd))
		}
		buf.WriteString("\n")
	}
	return buf.String()
}
