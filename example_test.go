package yieldsaga_test

import (
	"context"
	"fmt"

	"github.com/deepnoodle-ai/yieldsaga"
	"github.com/deepnoodle-ai/yieldsaga/simulated"
	"github.com/shopspring/decimal"
)

func ExampleRoundTripOrchestrator() {
	env := simulated.NewEnvironment(simulated.EnvironmentOptions{
		APY:        decimal.NewFromInt(6),
		SwapFeeBps: 30,
	})
	env.Fund("GALICE", decimal.NewFromInt(1000))

	o, err := yieldsaga.NewRoundTripOrchestrator(env.Options(yieldsaga.NewMemoryStore()))
	if err != nil {
		panic(err)
	}
	res, err := o.Execute(context.Background(), yieldsaga.RoundTripOptions{
		UserAddress:   "GALICE",
		Amount:        decimal.NewFromInt(1000),
		AccrualPeriod: yieldsaga.AccrualDays(60),
	})
	if err != nil {
		panic(err)
	}

	fmt.Println(res.State.Status)
	fmt.Println("supplied:", res.State.Amounts.Supplied)
	fmt.Println("yield:", res.YieldProfit)
	fmt.Println("returned:", res.State.Amounts.Returned)
	fmt.Println("profit:", res.Profit)
	// Output:
	// completed
	// supplied: 997
	// yield: 9.833424
	// returned: 1003.8129237
	// profit: 3.8129237
}

func ExampleDepositOrchestrator() {
	env := simulated.NewEnvironment(simulated.EnvironmentOptions{SwapFeeBps: 30})
	env.Fund("GALICE", decimal.NewFromInt(500))

	o, err := yieldsaga.NewDepositOrchestrator(env.Options(yieldsaga.NewMemoryStore()))
	if err != nil {
		panic(err)
	}
	res, err := o.Execute(context.Background(), yieldsaga.DepositOptions{
		UserAddress: "GALICE",
		Amount:      decimal.NewFromInt(500),
		SkipSupply:  true,
	})
	if err != nil {
		panic(err)
	}

	fmt.Println(res.State.CurrentStep, res.State.Status)
	fmt.Println("bridged:", res.State.Amounts.Bridged)
	// Output:
	// mint-destination completed
	// bridged: 498.5
}
