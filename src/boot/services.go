package boot

import (
	"context"
	"log"
	"lsm/src/availability"
	"lsm/src/checkout"
	"lsm/src/config"
	"lsm/src/events"
	"lsm/src/ledger"
	"lsm/src/lib"
	"lsm/src/orders"
	"lsm/src/payment"
	"lsm/src/repo"
	"lsm/src/reservation"
	"lsm/src/types"
	"lsm/src/wallet"
	"os"
	"time"
)

// Services is the wired set of components behind the HTTP routes and the
// scheduler.
type Services struct {
	Policy      config.Policy
	Store       repo.Store
	Ledger      *ledger.Ledger
	Wallet      *wallet.Wallet
	Index       *availability.Index
	Machine     *orders.Machine
	Processor   *payment.Processor
	Checkout    *checkout.Orchestrator
	Reservation *reservation.Orchestrator
	Events      events.Publisher
	now         func() time.Time
}

// Deps are the outside collaborators. Gateways maps the QR-code methods to
// their provider; Card may be nil to leave card payments switched off.
type Deps struct {
	Store    repo.Store
	Intents  payment.IntentStore
	Events   events.Publisher
	Gateways map[types.PaymentMethod]payment.Gateway
	Card     payment.CardGateway
	Now      func() time.Time
}

func NewServices(policy config.Policy, d Deps) *Services {
	now := d.Now
	if now == nil {
		now = time.Now
	}
	l := ledger.New(d.Store, policy, now)
	w := wallet.New(d.Store, now)
	index := availability.New(d.Store, now)
	machine := orders.NewMachine(index, l, policy, now)

	handlers := []payment.MethodHandler{payment.NewBalanceHandler(w)}
	for _, method := range []types.PaymentMethod{types.PAYMENT_WECHAT, types.PAYMENT_ALIPAY} {
		if gw, ok := d.Gateways[method]; ok {
			handlers = append(handlers, payment.NewGatewayHandler(method, gw))
		}
	}
	if d.Card != nil {
		handlers = append(handlers, payment.NewCardHandler(d.Card))
	}
	processor := payment.NewProcessor(d.Store, d.Intents, machine, l, handlers...)
	co := checkout.New(d.Store, machine, l, processor, d.Events)

	return &Services{
		Policy:      policy,
		Store:       d.Store,
		Ledger:      l,
		Wallet:      w,
		Index:       index,
		Machine:     machine,
		Processor:   processor,
		Checkout:    co,
		Reservation: reservation.New(d.Store, index, machine, co, d.Events),
		Events:      d.Events,
		now:         now,
	}
}

// Build wires the production services from the environment: postgres through
// gorm, payment intents in redis, and whichever of kafka, rabbitmq and smtp
// are configured for order events.
func Build() *Services {
	policy := config.LoadPolicy()
	gdb := InitDb()
	store := repo.NewGormStore(gdb, policy.TxTimeout, repo.WithLockTimeout(policy.TxTimeout/2))

	rdb := lib.GetRedisClient()
	if rdb == nil {
		log.Fatalln("redis is required for payment intents")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := lib.PingRedis(ctx); err != nil {
		log.Fatalf("redis: %s\n", err.Error())
	}

	deps := Deps{
		Store:   store,
		Intents: payment.NewRedisIntentStore(rdb),
		Events:  buildPublisher(),
		Gateways: map[types.PaymentMethod]payment.Gateway{
			types.PAYMENT_WECHAT: payment.SandboxGateway{Scheme: "weixin"},
			types.PAYMENT_ALIPAY: payment.SandboxGateway{Scheme: "alipays"},
		},
	}
	if lib.StripeEnabled() {
		deps.Card = payment.NewStripeGateway(lib.GetStripeClient(), lib.StripeCurrency())
	}
	return NewServices(policy, deps)
}

func eventsTopic() string {
	if t := os.Getenv("ORDER_EVENTS_TOPIC"); t != "" {
		return t
	}
	return "order-events"
}

func buildPublisher() events.Publisher {
	pubs := events.Multi{events.LogPublisher{}}
	if os.Getenv("KAFKA_BROKER") != "" {
		p, err := lib.NewKafkaProducer("lsm-order-events")
		if err != nil {
			log.Printf("Kafka publisher disabled: %s\n", err.Error())
		} else {
			pubs = append(pubs, events.NewKafkaPublisher(p, eventsTopic()))
		}
	}
	if os.Getenv("RABBITMQ_URL") != "" || os.Getenv("AMQP_URL") != "" {
		pubs = append(pubs, events.NewAMQPPublisher(lib.GetAMQPURL()))
	}
	if os.Getenv("SMTP_HOST") != "" {
		from := os.Getenv("MAIL_FROM")
		if from == "" {
			from = "noreply@localhost"
		}
		pubs = append(pubs, events.NewMailNotifier(from))
	}
	return pubs
}
