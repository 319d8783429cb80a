// Package email sends transactional billing mail.
//
// EmailSender has two implementations: a Postmark client for production and
// DevSender, which writes messages to disk. NewSender picks one from Config.
// Receipt renders the message sent after a processed subscription change or
// unlock:
//
//	params, err := email.Receipt{Kind: email.ReceiptUnlock, ContentID: "report-42", Amount: price}.Render()
//	if err != nil {
//		return err
//	}
//	params.SendTo = address
//	err = sender.SendEmail(ctx, params)
package email
