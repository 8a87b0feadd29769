package ticket

import (
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/ticket-desk/internal/apperror"
)

var _ = Describe("Engine", func() {
	var (
		engine *Engine
		t      *Ticket
		now    time.Time
	)

	BeforeEach(func() {
		engine = NewEngine()
		now = time.Date(2025, 3, 14, 21, 14, 0, 0, time.UTC)
		t = &Ticket{
			ID:     "t1",
			Status: StatusOpen,
			Items: []LineItem{
				{ID: "i1", Description: "Cerveza", UnitPrice: dec("500"), Quantity: 2},
				{ID: "i2", Description: "Papas", UnitPrice: dec("300"), Quantity: 1},
			},
		}
	})

	meta := func(op string) *TransferMetadata {
		return &TransferMetadata{Operation: op}
	}

	It("does not modify the ticket", func() {
		_, err := engine.Plan(t, Pay(MethodTransfer, dec("800"), meta("1")), now)
		Expect(err).NotTo(HaveOccurred())
		Expect(t.Payments).To(BeEmpty())
		Expect(t.Status).To(Equal(StatusOpen))
	})

	Describe("transfers", func() {
		DescribeTable("classify the accumulated amount",
			func(prior []string, amount string, want Status, remaining string, overpaid bool) {
				for _, p := range prior {
					t.Payments = append(t.Payments, Payment{Method: MethodTransfer, Amount: dec(p), Metadata: meta("0")})
				}
				if len(prior) > 0 {
					t.Status = StatusPartial
				}

				tr, err := engine.Plan(t, Pay(MethodTransfer, dec(amount), meta("9")), now)
				Expect(err).NotTo(HaveOccurred())
				Expect(tr.To).To(Equal(want))
				Expect(tr.Remaining.Equal(dec(remaining))).To(BeTrue())
				Expect(tr.Overpayment != nil).To(Equal(overpaid))
				Expect(tr.Settlement != nil).To(Equal(want == StatusPaid))
			},
			Entry("first partial transfer", nil, "800", StatusPartial, "500", false),
			Entry("completing transfer", []string{"800"}, "500", StatusPaid, "0", false),
			Entry("within tolerance", []string{"800"}, "499.995", StatusPaid, "0.005", false),
			Entry("just outside tolerance", []string{"800"}, "499.98", StatusPartial, "0.02", false),
			Entry("overpayment", []string{"800"}, "600", StatusPaid, "0", true),
			Entry("three transfers", []string{"400", "400"}, "500", StatusPaid, "0", false),
		)

		It("accumulates every transfer's metadata into the settlement", func() {
			t.Status = StatusPartial
			t.Payments = []Payment{{Method: MethodTransfer, Amount: dec("800"), Metadata: meta("first")}}

			tr, err := engine.Plan(t, Pay(MethodTransfer, dec("500"), meta("second")), now)
			Expect(err).NotTo(HaveOccurred())
			Expect(tr.Settlement.Label).To(Equal(LabelTransfer))
			Expect(tr.Settlement.Metadata).To(HaveLen(2))
			Expect(tr.Settlement.Metadata[0].Operation).To(Equal("first"))
			Expect(tr.Settlement.Metadata[1].Operation).To(Equal("second"))
			Expect(tr.Settlement.TotalsByMethod["TRANSFER"].Equal(dec("1300"))).To(BeTrue())
		})

		It("reports the overpayment excess", func() {
			tr, err := engine.Plan(t, Pay(MethodTransfer, dec("1350.5"), meta("1")), now)
			Expect(err).NotTo(HaveOccurred())
			Expect(tr.Overpayment.Excess).To(Equal("50.50"))
			Expect(tr.Overpayment.Total).To(Equal("1300.00"))
		})

		It("falls back to the receipt amount", func() {
			dest := Destination{Kind: KindPay, Method: MethodTransfer, Metadata: &TransferMetadata{Amount: dec("800"), Operation: "1"}}
			tr, err := engine.Plan(t, dest, now)
			Expect(err).NotTo(HaveOccurred())
			Expect(tr.Payment.Amount.Equal(dec("800"))).To(BeTrue())
		})

		It("requires a positive amount and an operation number", func() {
			_, err := engine.Plan(t, Pay(MethodTransfer, dec("0"), nil), now)
			var validationErr *apperror.ValidationError
			Expect(errors.As(err, &validationErr)).To(BeTrue())
			Expect(validationErr.Fields).To(HaveLen(2))
		})
	})

	Describe("cash", func() {
		It("pays the exact total", func() {
			tr, err := engine.Plan(t, Pay(MethodCash, dec("1300.00"), nil), now)
			Expect(err).NotTo(HaveOccurred())
			Expect(tr.To).To(Equal(StatusPaid))
			Expect(tr.Payment.Amount.Equal(dec("1300"))).To(BeTrue())
			Expect(tr.Settlement.Label).To(Equal(LabelCash))
			Expect(tr.Settlement.Metadata).To(BeEmpty())
		})

		It("refuses a different amount", func() {
			_, err := engine.Plan(t, Pay(MethodCash, dec("1299"), nil), now)
			Expect(err).To(MatchError(ContainSubstring("cash must cover the full total")))
		})

		It("is not allowed on a partially paid ticket", func() {
			t.Status = StatusPartial
			t.Payments = []Payment{{Method: MethodTransfer, Amount: dec("800")}}
			_, err := engine.Plan(t, Pay(MethodCash, dec("500"), nil), now)
			var transitionErr *apperror.TransitionError
			Expect(errors.As(err, &transitionErr)).To(BeTrue())
		})
	})

	Describe("card", func() {
		It("always pays the total", func() {
			tr, err := engine.Plan(t, Pay(MethodCard, dec("5"), nil), now)
			Expect(err).NotTo(HaveOccurred())
			Expect(tr.Payment.Amount.Equal(dec("1300"))).To(BeTrue())
			Expect(tr.Settlement.Label).To(Equal(LabelCard))
		})

		It("requires an operation number when metadata is given", func() {
			_, err := engine.Plan(t, Pay(MethodCard, dec("1300"), &TransferMetadata{Bank: "Galicia"}), now)
			var validationErr *apperror.ValidationError
			Expect(errors.As(err, &validationErr)).To(BeTrue())
		})

		It("keeps the voucher metadata", func() {
			tr, err := engine.Plan(t, Pay(MethodCard, dec("1300"), meta("000123")), now)
			Expect(err).NotTo(HaveOccurred())
			Expect(tr.Settlement.Metadata).To(HaveLen(1))
		})
	})

	Describe("room charge", func() {
		It("charges the whole total as a receivable", func() {
			tr, err := engine.Plan(t, ChargeToRoom(" Hab. 12 "), now)
			Expect(err).NotTo(HaveOccurred())
			Expect(tr.To).To(Equal(StatusRoomCharged))
			Expect(tr.Payment).To(BeNil())
			Expect(tr.Settlement.Label).To(Equal(LabelRoomCharge))
			Expect(tr.Settlement.Receivable.Equal(dec("1300"))).To(BeTrue())
			Expect(tr.Settlement.RoomOrClient).To(Equal("Hab. 12"))
		})

		It("requires a room or client", func() {
			_, err := engine.Plan(t, ChargeToRoom(""), now)
			Expect(err).To(MatchError(ContainSubstring("room_or_client")))
		})
	})

	Describe("Resume", func() {
		It("returns nil while a balance remains", func() {
			Expect(engine.Resume(t)).To(BeNil())
			t.Payments = []Payment{{Method: MethodTransfer, Amount: dec("800"), Metadata: meta("1")}}
			Expect(engine.Resume(t)).To(BeNil())
		})

		It("rebuilds the settlement of a covered ticket", func() {
			t.Payments = []Payment{
				{Method: MethodTransfer, Amount: dec("800"), Metadata: meta("1")},
				{Method: MethodTransfer, Amount: dec("499.995"), Metadata: meta("2")},
			}
			st := engine.Resume(t)
			Expect(st).NotTo(BeNil())
			Expect(st.Status).To(Equal(StatusPaid))
			Expect(st.Label).To(Equal(LabelTransfer))
			Expect(st.Metadata).To(HaveLen(2))
			Expect(st.TotalsByMethod["TRANSFER"].Equal(dec("1299.995"))).To(BeTrue())
		})
	})

	Describe("rejections", func() {
		It("rejects a ticket without items", func() {
			t.Items = nil
			_, err := engine.Plan(t, Pay(MethodCash, dec("0"), nil), now)
			var emptyErr *apperror.EmptyTicketError
			Expect(errors.As(err, &emptyErr)).To(BeTrue())
		})

		It("rejects a terminal ticket", func() {
			t.Status = StatusRoomCharged
			_, err := engine.Plan(t, Pay(MethodCash, dec("1300"), nil), now)
			var closedErr *apperror.TicketAlreadyClosedError
			Expect(errors.As(err, &closedErr)).To(BeTrue())
		})

		It("rejects unknown methods", func() {
			_, err := engine.Plan(t, Pay(Method("CHEQUE"), dec("1300"), nil), now)
			Expect(err).To(MatchError(ContainSubstring("unknown payment method")))
		})

		It("rejects unknown destinations", func() {
			_, err := engine.Plan(t, Destination{Kind: "GIFT"}, now)
			Expect(err).To(MatchError(ContainSubstring("unknown destination")))
		})
	})
})
