package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/creditrisk/internal/customers"
	"github.com/mbd888/creditrisk/internal/scoring"
)

var (
	firstNames = []string{
		"Aarav", "Vivaan", "Aditya", "Vihaan", "Arjun", "Reyansh", "Muhammad",
		"Sai", "Advik", "Atharv", "Ishaan", "Kabir", "Anaya", "Aadhya", "Sara",
		"Diya", "Myra", "Ira", "Aarohi", "Aaradhya",
	}
	lastNames = []string{
		"Sharma", "Verma", "Gupta", "Patel", "Khan", "Iyer", "Reddy", "Das",
		"Nair", "Mehta", "Kapoor", "Joshi", "Chopra", "Bose", "Malhotra",
	}
	emailDomains = []string{"example.com", "mail.com", "test.io", "demo.co"}

	// Sample orders lean towards delivered.
	statusWeights = []int{3, 3, 8, 1, 1}
)

const (
	minSampleCount = 10
	maxSampleCount = 50

	maxDaysBack      = 200
	activityDaysBack = 120
)

// seeder writes generated history through the customer service, so every
// order and payment triggers a recompute like a real write would.
type seeder struct {
	customers *customers.Service
	engine    *scoring.Engine
	rng       *rand.Rand
	now       time.Time
	out       io.Writer
}

type seedResult struct {
	Customers int
	Orders    int
	Payments  int
	// Stale counts writes that saved but whose recompute failed.
	Stale int
}

// clampCount keeps sample runs between 10 and 50 customers.
func clampCount(n int) int {
	return max(minSampleCount, min(n, maxSampleCount))
}

func (s *seeder) sample(ctx context.Context, count int) (seedResult, error) {
	count = clampCount(count)
	fmt.Fprintf(s.out, "Seeding %d customers with sample data...\n", count)

	var res seedResult
	for i := 0; i < count; i++ {
		cust, err := s.findOrCreateCustomer(ctx, i)
		if err != nil {
			return res, err
		}
		res.Customers++

		numOrders := 2 + s.rng.IntN(7)
		lo := max(1, numOrders-2)
		numPayments := lo + s.rng.IntN(numOrders+2-lo+1)

		orders := make([]int64, 0, numOrders)
		for j := 0; j < numOrders; j++ {
			status := customers.OrderStatuses[s.weighted(statusWeights)]
			o, err := s.customers.CreateOrder(ctx, customers.CreateOrderRequest{
				CustomerID: cust.ID,
				Amount:     s.amount(14999),
				Status:     status,
			}, customers.WithCreatedAt(s.daysBack(maxDaysBack)))
			if err = s.tolerate(err, &res); err != nil {
				return res, fmt.Errorf("create order for %s: %w", cust.Email, err)
			}
			orders = append(orders, o.ID)
			res.Orders++
		}

		for k := 0; k < numPayments; k++ {
			method := customers.PaymentMethods[s.rng.IntN(len(customers.PaymentMethods))]
			if err := s.createPayment(ctx, cust.ID, method, orders, 0.8, maxDaysBack, &res); err != nil {
				return res, fmt.Errorf("create payment for %s: %w", cust.Email, err)
			}
			res.Payments++
		}

		if err := s.settle(ctx, cust.ID, &res); err != nil {
			return res, err
		}
	}
	return res, nil
}

// activity adds orders and payments to an existing customer, cycling
// through every status and method so each rule gets exercised.
func (s *seeder) activity(ctx context.Context, email string, numOrders, numPayments int) (seedResult, error) {
	numOrders = max(0, numOrders)
	numPayments = max(0, numPayments)

	var res seedResult
	cust, err := s.customers.GetCustomerByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		if errors.Is(err, customers.ErrCustomerNotFound) {
			return res, fmt.Errorf("customer with email %q does not exist, create it first", email)
		}
		return res, err
	}
	res.Customers = 1

	fmt.Fprintf(s.out, "Seeding activity for %s <%s>: %d orders, %d payments\n",
		cust.FullName, cust.Email, numOrders, numPayments)

	orders := make([]int64, 0, numOrders)
	for i := 0; i < numOrders; i++ {
		o, err := s.customers.CreateOrder(ctx, customers.CreateOrderRequest{
			CustomerID: cust.ID,
			Amount:     s.amount(19999),
			Status:     customers.OrderStatuses[i%len(customers.OrderStatuses)],
		}, customers.WithCreatedAt(s.daysBack(activityDaysBack)))
		if err = s.tolerate(err, &res); err != nil {
			return res, fmt.Errorf("create order: %w", err)
		}
		orders = append(orders, o.ID)
		res.Orders++
	}

	for i := 0; i < numPayments; i++ {
		method := customers.PaymentMethods[i%len(customers.PaymentMethods)]
		if err := s.createPayment(ctx, cust.ID, method, orders, 0.85, activityDaysBack, &res); err != nil {
			return res, fmt.Errorf("create payment: %w", err)
		}
		res.Payments++
	}

	return res, s.settle(ctx, cust.ID, &res)
}

func (s *seeder) findOrCreateCustomer(ctx context.Context, i int) (*customers.Customer, error) {
	name := firstNames[s.rng.IntN(len(firstNames))] + " " + lastNames[s.rng.IntN(len(lastNames))]
	email := fmt.Sprintf("%s.%d@%s",
		strings.ToLower(strings.ReplaceAll(name, " ", ".")),
		i+s.rng.IntN(1000),
		emailDomains[s.rng.IntN(len(emailDomains))])

	cust, err := s.customers.CreateCustomer(ctx, customers.CreateCustomerRequest{
		FullName: name,
		Email:    email,
		Phone:    fmt.Sprintf("+91%d", 6000000000+s.rng.Int64N(4000000000)),
	})
	if errors.Is(err, customers.ErrEmailTaken) {
		return s.customers.GetCustomerByEmail(ctx, email)
	}
	if err != nil {
		return nil, fmt.Errorf("create customer %s: %w", email, err)
	}
	return cust, nil
}

// createPayment records one payment. COD fails 3 times in 12, other
// methods once in 10.
func (s *seeder) createPayment(ctx context.Context, customerID string, method customers.PaymentMethod, orders []int64, linkRate float64, daysBack int, res *seedResult) error {
	failWeight := 1
	if method == customers.MethodCOD {
		failWeight = 3
	}
	success := s.weighted([]int{9, failWeight}) == 0

	var orderID *int64
	if len(orders) > 0 && s.rng.Float64() < linkRate {
		id := orders[s.rng.IntN(len(orders))]
		orderID = &id
	}

	_, err := s.customers.CreatePayment(ctx, customers.CreatePaymentRequest{
		CustomerID: customerID,
		OrderID:    orderID,
		Method:     method,
		Success:    &success,
		Amount:     s.amount(14999),
	}, customers.WithCreatedAt(s.daysBack(daysBack)))
	return s.tolerate(err, res)
}

// settle runs one final recompute so a customer whose last write left the
// profile stale ends the run with a fresh score.
func (s *seeder) settle(ctx context.Context, customerID string, res *seedResult) error {
	if _, err := s.engine.Recompute(ctx, customerID, scoring.TriggerSeed); err != nil {
		var rerr *scoring.RecomputeError
		if errors.As(err, &rerr) {
			res.Stale++
			return nil
		}
		return err
	}
	return nil
}

// tolerate treats a saved write with a failed recompute as success.
func (s *seeder) tolerate(err error, res *seedResult) error {
	if errors.Is(err, customers.ErrScoreNotUpdated) {
		res.Stale++
		return nil
	}
	return err
}

// weighted picks an index with probability proportional to its weight.
func (s *seeder) weighted(weights []int) int {
	total := 0
	for _, w := range weights {
		total += w
	}
	n := s.rng.IntN(total)
	for i, w := range weights {
		if n < w {
			return i
		}
		n -= w
	}
	return len(weights) - 1
}

// amount returns a whole-unit amount in [199, hi].
func (s *seeder) amount(hi int) decimal.Decimal {
	return decimal.NewFromInt(int64(199 + s.rng.IntN(hi-199+1)))
}

// daysBack returns a timestamp 1..days whole days before now.
func (s *seeder) daysBack(days int) time.Time {
	return s.now.AddDate(0, 0, -(1 + s.rng.IntN(days)))
}
