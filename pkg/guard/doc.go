// Package guard встраивает верификацию выходов агента прямо в процесс агента.
//
// Три входа:
//
//	c, err := guard.New(guard.DefaultConfig(), guard.WithStore(store))
//	defer c.Close()
//
//	// 1. Watch оборачивает функцию агента
//	answer := c.Watch(agent, guard.Meta{AgentID: "support-bot", Task: "refund"})
//	out, err := answer(ctx, question)
//
//	// 2. Trace записывает шаги вручную, пайплайн запускается ровно один раз в End/Close
//	tr := c.Trace(ctx, guard.Meta{AgentID: "support-bot", Input: question})
//	defer tr.Close()
//	tr.Step("tool", "lookup_order", args, order)
//	tr.Record(reply)
//	res, err := tr.End(nil)
//
//	// 3. Run вызывает агента и сразу отдает результат пайплайна
//	res, err := c.Run(ctx, agent, guard.Meta{AgentID: "support-bot", Input: question})
//
// В режиме sync решение block без успешной коррекции возвращается как *BlockedError.
// В режиме async пайплайн работает в фоне и никогда не влияет на вызывающий код.
package guard
